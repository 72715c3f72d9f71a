package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/xiaoxiaolai/http2-node/internal/config"
	"github.com/xiaoxiaolai/http2-node/internal/logger"
	"github.com/xiaoxiaolai/http2-node/internal/service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "device-export: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. 加载配置（环境变量）
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. 命令行参数覆盖
	flagSet := pflag.NewFlagSet("device-export", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.HTTP.Addr, "addr", cfg.HTTP.Addr, "listen address")
	flagSet.StringVar(&cfg.HTTP.CertFile, "tls-cert", cfg.HTTP.CertFile, "TLS certificate file (PEM)")
	flagSet.StringVar(&cfg.HTTP.KeyFile, "tls-key", cfg.HTTP.KeyFile, "TLS private key file (PEM)")
	flagSet.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn or error")
	flagSet.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "json or console")
	flagSet.BoolVar(&cfg.Ingest.Enabled, "ingest", cfg.Ingest.Enabled, "consume device telemetry from MQTT")
	flagSet.BoolVar(&cfg.Flusher.Enabled, "flush-status", cfg.Flusher.Enabled, "flush status changes to a Redis Stream")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	// 3. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "device-export")
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting device-export service",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("db_host", cfg.Database.Host),
		zap.Bool("ingest", cfg.Ingest.Enabled),
		zap.Bool("flush_status", cfg.Flusher.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 创建服务（数据库不可达时直接退出）
	svc, err := service.New(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to create service", zap.Error(err))
		return err
	}

	// 5. 启动服务
	serviceErrChan := make(chan error, 1)
	go func() {
		serviceErrChan <- svc.Start(ctx)
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case runErr = <-serviceErrChan:
		if runErr != nil {
			log.Error("Service error", zap.Error(runErr))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
	}
	log.Info("Service stopped")
	return runErr
}
