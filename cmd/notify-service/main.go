package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weiawesome/image-pipeline/internal/config"
	"github.com/weiawesome/image-pipeline/internal/pipeline"
	pkglog "github.com/weiawesome/image-pipeline/pkg/log"
)

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialise structured logger.
	cfg.Log.ServiceName = "notify-service"
	pkglog.Init(cfg.Log)
	l := pkglog.L()
	l.Info().Bool("persist", cfg.Notify.Persist).Msg("notify-service starting")

	ctx, cancel := context.WithCancel(context.Background())

	p, err := pipeline.Build(ctx, cfg)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to build pipeline")
	}

	if err := p.StartNotify(ctx); err != nil {
		l.Fatal().Err(err).Msg("failed to subscribe to process results")
	}
	l.Info().
		Str("topic", cfg.Topics.Results).
		Msg("waiting for process results")

	// Block until SIGINT / SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Info().Msg("shutting down: draining in-flight notifications")
	cancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		if err := p.Close(); err != nil {
			l.Warn().Err(err).Msg("failed to close pipeline clients")
		}
	}()

	select {
	case <-shutdownDone:
		l.Info().Msg("shutdown complete")
	case <-time.After(cfg.Server.ShutdownTimeout):
		l.Warn().Dur("timeout", cfg.Server.ShutdownTimeout).Msg("shutdown timed out")
	}
}
