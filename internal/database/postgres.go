package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/xiaoxiaolai/http2-node/internal/config"
)

// StoreConnectionError 启动时重试耗尽仍无法连接数据库
type StoreConnectionError struct {
	Attempts int
	Err      error
}

func (e *StoreConnectionError) Error() string {
	return fmt.Sprintf("store unreachable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *StoreConnectionError) Unwrap() error { return e.Err }

// Pinger is the part of *sql.DB that WaitForPing needs.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Backoff 重试间隔：从 Start 开始翻倍，不超过 Max；Timeout 限制总时长
type Backoff struct {
	Start   time.Duration
	Max     time.Duration
	Timeout time.Duration
}

// Open 创建PostgreSQL连接池（不做连通性检查）
func Open(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	return db, nil
}

// Connect opens the pool and blocks until the database answers a ping.
// It returns a *StoreConnectionError once the backoff budget is spent; the
// caller is expected to exit.
func Connect(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	backoff := Backoff{Start: cfg.BackoffStart, Max: cfg.BackoffMax, Timeout: cfg.ConnectTimeout}
	if err := WaitForPing(ctx, db, backoff, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("Connected to database",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)
	return db, nil
}

// WaitForPing pings until success, doubling the wait between attempts.
func WaitForPing(ctx context.Context, db Pinger, b Backoff, logger *zap.Logger) error {
	if b.Start <= 0 {
		b.Start = 500 * time.Millisecond
	}
	if b.Max < b.Start {
		b.Max = b.Start
	}
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	wait := b.Start
	attempts := 0
	var lastErr error
	for {
		attempts++
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		// Keep the driver error rather than our own deadline.
		if lastErr == nil || ctx.Err() == nil {
			lastErr = err
		}
		logger.Warn("Database ping failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &StoreConnectionError{Attempts: attempts, Err: lastErr}
		case <-timer.C:
		}
		if wait < b.Max {
			wait *= 2
			if wait > b.Max {
				wait = b.Max
			}
		}
	}
}

// Close 关闭数据库连接
func Close(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
