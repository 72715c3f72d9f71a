// Package flusher pushes device status changes to a Redis Stream for
// downstream stores that are slower than the device store.
package flusher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	rediscommon "github.com/xiaoxiaolai/http2-node/internal/redis"
	"github.com/xiaoxiaolai/http2-node/internal/repository"
)

// StatusStore is the part of the device store the flusher reads and clears.
type StatusStore interface {
	ListStatusChanged(ctx context.Context, limit int) ([]repository.StatusSnapshot, error)
	ClearStatusChanged(ctx context.Context, snapshots []repository.StatusSnapshot) (int, error)
}

// StatusFlusher 周期性刷新 statusChanged 记录到 Redis Stream
type StatusFlusher struct {
	store     StatusStore
	publisher *rediscommon.StreamPublisher
	interval  time.Duration
	batchSize int
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewStatusFlusher(store StatusStore, publisher *rediscommon.StreamPublisher, interval time.Duration, batchSize int, logger *zap.Logger) *StatusFlusher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = repository.DefaultBatchSize
	}
	return &StatusFlusher{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// FlushOnce publishes and clears changed records batch by batch until a
// short batch shows nothing is left. A record whose status moved again
// after it was listed keeps its flag and is picked up by the next flush.
func (f *StatusFlusher) FlushOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		snapshots, err := f.store.ListStatusChanged(ctx, f.batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to list changed statuses: %w", err)
		}
		if len(snapshots) == 0 {
			return total, nil
		}
		if _, err := rediscommon.PublishBatch(ctx, f.publisher, snapshots); err != nil {
			return total, err
		}
		cleared, err := f.store.ClearStatusChanged(ctx, snapshots)
		if err != nil {
			return total, fmt.Errorf("failed to clear status flags: %w", err)
		}
		total += len(snapshots)
		f.logger.Debug("Flushed status batch",
			zap.String("stream", f.publisher.Stream()),
			zap.Int("published", len(snapshots)),
			zap.Int("cleared", cleared),
		)
		if len(snapshots) < f.batchSize || cleared == 0 {
			return total, nil
		}
	}
}

// Start runs FlushOnce on every tick until Stop or ctx is cancelled.
func (f *StatusFlusher) Start(ctx context.Context) {
	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return
	}
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	done := f.done
	f.mu.Unlock()

	f.logger.Info("Starting status flusher",
		zap.Duration("interval", f.interval),
		zap.String("stream", f.publisher.Stream()),
	)
	go func() {
		defer close(done)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := f.FlushOnce(ctx)
				if err != nil {
					f.logger.Error("Status flush failed", zap.Int("flushed", n), zap.Error(err))
					continue
				}
				if n > 0 {
					f.logger.Info("Flushed device statuses", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight flush to finish.
func (f *StatusFlusher) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel, f.done = nil, nil
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	f.logger.Info("Status flusher stopped")
}
