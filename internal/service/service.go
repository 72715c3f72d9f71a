package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/xiaoxiaolai/http2-node/internal/config"
	"github.com/xiaoxiaolai/http2-node/internal/consumer"
	"github.com/xiaoxiaolai/http2-node/internal/database"
	"github.com/xiaoxiaolai/http2-node/internal/export"
	"github.com/xiaoxiaolai/http2-node/internal/flusher"
	httpapi "github.com/xiaoxiaolai/http2-node/internal/http"
	mqttcommon "github.com/xiaoxiaolai/http2-node/internal/mqtt"
	rediscommon "github.com/xiaoxiaolai/http2-node/internal/redis"
	"github.com/xiaoxiaolai/http2-node/internal/repository"
)

// statusStreamMaxLen caps the status stream at roughly this many entries.
const statusStreamMaxLen = 100000

// Service 设备导出服务
type Service struct {
	config *config.Config
	logger *zap.Logger

	db     *sql.DB
	redis  *redis.Client
	mqtt   *mqttcommon.Client
	store  repository.DeviceStore
	server *httpapi.Server

	consumer *consumer.TelemetryConsumer
	flusher  *flusher.StatusFlusher
}

// New connects every backing service and fails if any is unreachable.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	s := &Service{config: cfg, logger: logger}

	db, err := database.Connect(ctx, &cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	s.db = db
	if err := repository.EnsureSchema(ctx, db); err != nil {
		s.close()
		return nil, err
	}
	s.store = repository.NewPostgresDeviceStore(db, logger)

	if cfg.Flusher.Enabled {
		s.redis = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(ctx, s.redis); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		publisher := rediscommon.NewStreamPublisher(s.redis, cfg.Flusher.Stream, statusStreamMaxLen)
		s.flusher = flusher.NewStatusFlusher(s.store, publisher, cfg.Flusher.Interval, cfg.Flusher.BatchSize, logger)
	}

	if cfg.Ingest.Enabled {
		s.mqtt, err = mqttcommon.NewClient(&cfg.MQTT, logger)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
		}
		s.consumer = consumer.NewTelemetryConsumer(s.mqtt, s.store, cfg.Ingest.Topic, cfg.MQTT.QoS, logger)
	}

	s.server, err = httpapi.NewServer(cfg.HTTP.Addr, NewHandler(s.store, cfg, logger), cfg.HTTP.CertFile, cfg.HTTP.KeyFile, logger)
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// NewHandler builds the full HTTP surface over store.
func NewHandler(store repository.DeviceStore, cfg *config.Config, logger *zap.Logger) http.Handler {
	opts := export.Options{ReadAhead: cfg.Export.ReadAhead, ChunkBuffer: cfg.Export.ChunkBuffer}
	router := httpapi.NewRouter(logger)
	router.RegisterExportRoutes(httpapi.NewExportHandler(store, opts, logger))
	router.RegisterDeviceRoutes(httpapi.NewDeviceHandler(store, logger))
	router.RegisterReportRoutes(httpapi.NewReportHandler(store, logger))
	router.RegisterHealthRoutes()
	return router.Handler()
}

// Start runs the background workers and then serves HTTP until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting device export service components",
		zap.Bool("ingest_enabled", s.consumer != nil),
		zap.Bool("flusher_enabled", s.flusher != nil),
	)
	if s.flusher != nil {
		s.flusher.Start(ctx)
	}
	if s.consumer != nil {
		if err := s.consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start telemetry consumer: %w", err)
		}
	}
	if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop 停止服务
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info("Stopping device export service")
	var errs []error
	if s.server != nil {
		if err := s.server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
		}
	}
	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.flusher != nil {
		s.flusher.Stop()
	}
	s.close()
	s.logger.Info("Device export service stopped")
	return errors.Join(errs...)
}

func (s *Service) close() {
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if s.redis != nil {
		if err := rediscommon.Close(s.redis); err != nil {
			s.logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}
