/*
Package export streams device records from a store cursor to a byte sink.

Three stages run per export:

	source (cursor.Next) -> records chan -> transform (Encode) -> chunks chan -> sink

Both channels are bounded, so a sink that stops accepting bytes stops the
transform, which stops the source: at most ReadAhead+ChunkBuffer+3 records
are read ahead of the last byte the sink accepted. The source always closes
the cursor, whether the stream ends, fails or is cancelled.
*/
package export

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaoxiaolai/http2-node/internal/models"
	"github.com/xiaoxiaolai/http2-node/internal/repository"
)

// Options 管道缓冲配置
type Options struct {
	// records buffered between source and transform
	ReadAhead int
	// chunks buffered between transform and sink
	ChunkBuffer int
}

func (o Options) withDefaults() Options {
	if o.ReadAhead <= 0 {
		o.ReadAhead = 1
	}
	if o.ChunkBuffer <= 0 {
		o.ChunkBuffer = 1
	}
	return o
}

// MaxOutstanding is the most records read from the cursor but not yet
// accepted by the sink.
func (o Options) MaxOutstanding() int {
	o = o.withDefaults()
	return o.ReadAhead + o.ChunkBuffer + 3
}

// StoreReadError is a cursor failure in the middle of an export.
type StoreReadError struct {
	Err error
}

func (e *StoreReadError) Error() string {
	return fmt.Sprintf("store read failed: %v", e.Err)
}

func (e *StoreReadError) Unwrap() error { return e.Err }

// SinkError is a failure to hand a chunk to the transport, usually because
// the peer went away.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink write failed: %v", e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// Stats 单次导出统计
type Stats struct {
	Records int
	Bytes   int64
}

// Pipeline 流式导出管道
type Pipeline struct {
	encoder Encoder
	opts    Options
	logger  *zap.Logger
}

func NewPipeline(encoder Encoder, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{encoder: encoder, opts: opts.withDefaults(), logger: logger}
}

// Run drives the export to completion. The sink runs on the calling
// goroutine. Run returns nil when the cursor is exhausted, a
// *StoreReadError when the cursor fails, a *SinkError when the sink fails,
// or the context error when ctx is cancelled. Stats count what the sink
// accepted.
func (p *Pipeline) Run(ctx context.Context, cursor repository.Cursor, sink Sink) (Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	records := make(chan *models.DeviceRecord, p.opts.ReadAhead)
	chunks := make(chan []byte, p.opts.ChunkBuffer)

	g.Go(func() error {
		defer close(records)
		defer cursor.Close()
		for {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := cursor.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return &StoreReadError{Err: err}
			}
			select {
			case records <- rec:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		defer close(chunks)
		for rec := range records {
			chunk, err := p.encoder.Encode(rec)
			if err != nil {
				return err
			}
			select {
			case chunks <- chunk:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var stats Stats
	var sinkErr error
	for chunk := range chunks {
		if sinkErr != nil {
			continue
		}
		if err := sink.WriteChunk(chunk); err != nil {
			sinkErr = &SinkError{Err: err}
			cancel()
			continue
		}
		stats.Records++
		stats.Bytes += int64(len(chunk))
	}

	err := g.Wait()
	if sinkErr != nil {
		err = sinkErr
	}
	if err != nil {
		p.logger.Debug("Export stopped",
			zap.Int("records", stats.Records),
			zap.Int64("bytes", stats.Bytes),
			zap.Error(err),
		)
	}
	return stats, err
}
