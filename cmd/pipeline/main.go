// Command pipeline runs the upload, transform and notify stages in one
// process. With the memory bus and storage drivers it needs no external
// services.
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
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	cfg.Log.ServiceName = "image-pipeline"
	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.Build(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}

	if err := p.StartTransform(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start transform stage")
	}
	if err := p.StartNotify(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start notify stage")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	logger.Info().
		Str("addr", addr).
		Str("storage", cfg.Storage.Type).
		Str("bus", cfg.Bus.Driver).
		Msg("image-pipeline starting")

	if err := pipeline.Serve(ctx, addr, p.Router(logger), cfg.Server.ShutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
	}

	logger.Info().Msg("shutting down: waiting for in-flight deliveries")
	if err := p.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close pipeline clients")
	}
	logger.Info().Msg("shutdown complete")
}
