package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaoxiaolai/http2-node/internal/models"
	"github.com/xiaoxiaolai/http2-node/internal/repository"
)

var testNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// fakeCursor yields generated records and counts reads. total < 0 never
// ends; failAfter > 0 fails once that many records were read.
type fakeCursor struct {
	mu              sync.Mutex
	total           int
	failAfter       int
	reads           int
	closed          bool
	readsAfterClose int
}

func (c *fakeCursor) Next(_ context.Context) (*models.DeviceRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.readsAfterClose++
		return nil, repository.ErrCursorClosed
	}
	if c.failAfter > 0 && c.reads == c.failAfter {
		return nil, errors.New("connection reset by peer")
	}
	if c.total >= 0 && c.reads >= c.total {
		return nil, io.EOF
	}
	c.reads++
	rec := models.NewDeviceRecord(fmt.Sprintf("SN-%05d", c.reads), "app-1", testNow)
	rec.SensorData.Battery = models.Float(float64(c.reads))
	return rec, nil
}

func (c *fakeCursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCursor) snapshot() (reads int, closed bool, afterClose int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads, c.closed, c.readsAfterClose
}

// bufferSink records every chunk.
type bufferSink struct {
	mu     sync.Mutex
	chunks [][]byte
	failAt int
}

func (s *bufferSink) WriteChunk(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.chunks)+1 == s.failAt {
		return errors.New("stream closed")
	}
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
	return nil
}

// stalledSink blocks every write until release is closed or ctx ends.
type stalledSink struct {
	ctx     context.Context
	release chan struct{}
}

func (s *stalledSink) WriteChunk([]byte) error {
	select {
	case <-s.release:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func TestPipeline_NDJSONPreservesRecordBoundaries(t *testing.T) {
	cursor := &fakeCursor{total: 25}
	sink := &bufferSink{}

	stats, err := NewPipeline(NDJSONEncoder{}, Options{}, zap.NewNop()).Run(context.Background(), cursor, sink)

	require.NoError(t, err)
	assert.Equal(t, 25, stats.Records)
	require.Len(t, sink.chunks, 25)
	for i, chunk := range sink.chunks {
		require.Equal(t, byte('\n'), chunk[len(chunk)-1])
		assert.Equal(t, 1, bytes.Count(chunk, []byte("\n")))
		var rec models.DeviceRecord
		require.NoError(t, json.Unmarshal(chunk, &rec))
		assert.Equal(t, fmt.Sprintf("SN-%05d", i+1), rec.SerialNumber)
		assert.Equal(t, float64(i+1), *rec.SensorData.Battery)
	}
	_, closed, _ := cursor.snapshot()
	assert.True(t, closed)
}

func TestPipeline_CBORSequenceOneItemPerRecord(t *testing.T) {
	enc, err := NewCBOREncoder()
	require.NoError(t, err)
	sink := &bufferSink{}

	_, err = NewPipeline(enc, Options{ReadAhead: 4, ChunkBuffer: 4}, nil).Run(context.Background(), &fakeCursor{total: 10}, sink)
	require.NoError(t, err)

	var stream bytes.Buffer
	for i, chunk := range sink.chunks {
		var rec map[string]any
		rest, err := cbor.UnmarshalFirst(chunk, &rec)
		require.NoError(t, err)
		assert.Empty(t, rest, "chunk %d holds more than one item", i)
		assert.Equal(t, fmt.Sprintf("SN-%05d", i+1), rec["serialNumber"])
		stream.Write(chunk)
	}

	dec := cbor.NewDecoder(&stream)
	n := 0
	for {
		var rec models.DeviceRecord
		if err := dec.Decode(&rec); errors.Is(err, io.EOF) {
			break
		} else {
			require.NoError(t, err)
		}
		n++
		assert.True(t, rec.CreateTime.Equal(testNow))
	}
	assert.Equal(t, 10, n)
}

func TestPipeline_StalledSinkBoundsCursorReads(t *testing.T) {
	for _, opts := range []Options{{}, {ReadAhead: 3, ChunkBuffer: 2}} {
		t.Run(fmt.Sprintf("readAhead=%d,chunkBuffer=%d", opts.ReadAhead, opts.ChunkBuffer), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			cursor := &fakeCursor{total: -1}
			sink := &stalledSink{ctx: ctx, release: make(chan struct{})}

			done := make(chan error, 1)
			go func() {
				_, err := NewPipeline(NDJSONEncoder{}, opts, nil).Run(ctx, cursor, sink)
				done <- err
			}()

			limit := opts.MaxOutstanding()
			assert.Eventually(t, func() bool {
				reads, _, _ := cursor.snapshot()
				return reads == limit
			}, time.Second, 5*time.Millisecond)
			time.Sleep(50 * time.Millisecond)
			reads, _, _ := cursor.snapshot()
			assert.Equal(t, limit, reads, "source must not run ahead of a stalled sink")

			cancel()
			select {
			case err := <-done:
				assert.ErrorIs(t, err, context.Canceled)
			case <-time.After(time.Second):
				t.Fatal("pipeline did not stop after cancellation")
			}
		})
	}
}

func TestPipeline_CancellationClosesCursorAndStopsReads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cursor := &fakeCursor{total: -1}
	sink := &stalledSink{ctx: ctx, release: make(chan struct{})}

	done := make(chan error, 1)
	go func() {
		_, err := NewPipeline(NDJSONEncoder{}, Options{}, nil).Run(ctx, cursor, sink)
		done <- err
	}()

	assert.Eventually(t, func() bool {
		reads, _, _ := cursor.snapshot()
		return reads > 0
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop after cancellation")
	}
	readsAtStop, closed, afterClose := cursor.snapshot()
	assert.True(t, closed)
	assert.Zero(t, afterClose)

	time.Sleep(20 * time.Millisecond)
	reads, _, _ := cursor.snapshot()
	assert.Equal(t, readsAtStop, reads)
}

func TestPipeline_StoreReadErrorAfterPartialOutput(t *testing.T) {
	cursor := &fakeCursor{total: -1, failAfter: 3}
	sink := &bufferSink{}

	stats, err := NewPipeline(NDJSONEncoder{}, Options{}, nil).Run(context.Background(), cursor, sink)

	var readErr *StoreReadError
	require.True(t, errors.As(err, &readErr))
	assert.Contains(t, readErr.Error(), "connection reset by peer")
	assert.LessOrEqual(t, stats.Records, 3)
	_, closed, afterClose := cursor.snapshot()
	assert.True(t, closed)
	assert.Zero(t, afterClose)
}

func TestPipeline_SinkErrorStopsSource(t *testing.T) {
	opts := Options{}
	cursor := &fakeCursor{total: -1}
	sink := &bufferSink{failAt: 2}

	stats, err := NewPipeline(NDJSONEncoder{}, opts, nil).Run(context.Background(), cursor, sink)

	var sinkErr *SinkError
	require.True(t, errors.As(err, &sinkErr))
	assert.Equal(t, 1, stats.Records)
	reads, closed, _ := cursor.snapshot()
	assert.True(t, closed)
	assert.LessOrEqual(t, reads, opts.MaxOutstanding()+1)
}

func TestPipeline_EmptyCursor(t *testing.T) {
	cursor := &fakeCursor{total: 0}
	stats, err := NewPipeline(NDJSONEncoder{}, Options{}, nil).Run(context.Background(), cursor, &bufferSink{})

	require.NoError(t, err)
	assert.Zero(t, stats.Records)
	_, closed, _ := cursor.snapshot()
	assert.True(t, closed)
}

func TestPipeline_GzipSinkKeepsLines(t *testing.T) {
	var out bytes.Buffer
	flushes := 0
	sink := NewGzipSink(&out, func() { flushes++ })

	_, err := NewPipeline(NDJSONEncoder{}, Options{}, nil).Run(context.Background(), &fakeCursor{total: 5}, sink)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.Equal(t, 6, flushes)

	zr, err := gzip.NewReader(&out)
	require.NoError(t, err)
	scanner := bufio.NewScanner(zr)
	lines := 0
	for scanner.Scan() {
		var rec models.DeviceRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, 5, lines)
}

func TestPipeline_MemoryStoreExport(t *testing.T) {
	store := repository.NewMemoryDeviceStore()
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		require.NoError(t, store.Insert(ctx, models.NewDeviceRecord(fmt.Sprintf("SN-%03d", i), "app-1", testNow)))
	}
	cursor, err := store.FindForExport(ctx, repository.ExportFilter{BatchSize: 5})
	require.NoError(t, err)

	var out bytes.Buffer
	stats, err := NewPipeline(NDJSONEncoder{}, Options{}, nil).Run(ctx, cursor, NewWriterSink(&out, nil))
	require.NoError(t, err)
	assert.Equal(t, 12, stats.Records)
	assert.Equal(t, int64(out.Len()), stats.Bytes)
	assert.Equal(t, 12, bytes.Count(out.Bytes(), []byte("\n")))
}

func TestEncoderFor(t *testing.T) {
	enc, err := EncoderFor("")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeNDJSON, enc.ContentType())

	enc, err = EncoderFor("cbor")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeCBOR, enc.ContentType())

	_, err = EncoderFor("xlsx")
	assert.True(t, errors.Is(err, models.ErrValidation))
}
