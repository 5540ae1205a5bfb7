package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/weiawesome/image-pipeline/internal/config"
	"github.com/weiawesome/image-pipeline/internal/pipeline"
	pkglog "github.com/weiawesome/image-pipeline/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	cfg.Log.ServiceName = "upload-service"
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.Build(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info().
		Str("addr", addr).
		Str("bucket", cfg.Buckets.Uploads).
		Str("topic", cfg.Topics.Requests).
		Msg("upload-service starting")

	if err := pipeline.Serve(ctx, addr, p.Router(logger), cfg.Server.ShutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
	}

	if err := p.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close pipeline clients")
	}
	logger.Info().Msg("shutdown complete")
}
