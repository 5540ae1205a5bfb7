// Package pipeline builds the stores, bus and stages from configuration.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/weiawesome/image-pipeline/internal/config"
	"github.com/weiawesome/image-pipeline/internal/notify"
	"github.com/weiawesome/image-pipeline/internal/status"
	"github.com/weiawesome/image-pipeline/internal/transform"
	"github.com/weiawesome/image-pipeline/internal/upload"
	"github.com/weiawesome/image-pipeline/pkg/database"
	"github.com/weiawesome/image-pipeline/pkg/log"
	"github.com/weiawesome/image-pipeline/pkg/pubsub"
	"github.com/weiawesome/image-pipeline/pkg/storage"
)

// Pipeline holds the shared clients every stage is built from.
type Pipeline struct {
	cfg     *config.Config
	store   storage.ObjectStore
	bus     pubsub.Bus
	tracker status.Tracker
	db      *gorm.DB

	// NotifyLogger receives notification records; defaults to the global logger.
	NotifyLogger zerolog.Logger
}

// New assembles a Pipeline from already constructed clients.
func New(cfg *config.Config, store storage.ObjectStore, bus pubsub.Bus, tracker status.Tracker) *Pipeline {
	if tracker == nil {
		tracker = status.NopTracker{}
	}
	return &Pipeline{
		cfg:          cfg,
		store:        store,
		bus:          bus,
		tracker:      tracker,
		NotifyLogger: log.L(),
	}
}

// Build constructs every client named by cfg.
func Build(ctx context.Context, cfg *config.Config) (*Pipeline, error) {
	l := log.Ctx(ctx)

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	l.Info().Str("type", cfg.Storage.Type).Msg("storage initialised")

	if cfg.Buckets.Ensure {
		for _, b := range []string{cfg.Buckets.Uploads, cfg.Buckets.Processed} {
			if err := store.EnsureBucket(ctx, b); err != nil {
				return nil, fmt.Errorf("ensure bucket %s: %w", b, err)
			}
		}
	}

	bus, err := pubsub.NewBus(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("init bus: %w", err)
	}
	l.Info().Str("driver", cfg.Bus.Driver).Int("max_attempts", cfg.Bus.MaxAttempts).Msg("bus initialised")

	tracker, err := status.New(ctx, cfg.Status.Driver, status.RedisOptions{
		Address:  cfg.Status.Redis.Address,
		Password: cfg.Status.Redis.Password,
		DB:       cfg.Status.Redis.DB,
		TTL:      cfg.Status.TTL,
	})
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("init status tracker: %w", err)
	}

	return New(cfg, store, bus, tracker), nil
}

// Bus returns the shared bus.
func (p *Pipeline) Bus() pubsub.Bus { return p.bus }

// Store returns the shared object store.
func (p *Pipeline) Store() storage.ObjectStore { return p.store }

// UploadHandler builds the HTTP handler of the upload stage.
func (p *Pipeline) UploadHandler() *upload.Handler {
	svc := upload.NewService(upload.Options{
		Store:        p.store,
		Publisher:    p.bus,
		Tracker:      p.tracker,
		Bucket:       p.cfg.Buckets.Uploads,
		RequestTopic: p.cfg.Topics.Requests,
	})
	return upload.NewHandler(svc, p.cfg.Upload.MaxBytes)
}

// StartTransform subscribes the transform worker to the request topic.
func (p *Pipeline) StartTransform(ctx context.Context) error {
	t, err := transform.New(p.cfg.Transform.Kind)
	if err != nil {
		return err
	}
	w := transform.NewWorker(transform.WorkerOptions{
		Store:           p.store,
		Publisher:       p.bus,
		Transform:       t,
		Tracker:         p.tracker,
		ProcessedBucket: p.cfg.Buckets.Processed,
		ResultTopic:     p.cfg.Topics.Results,
		Policy: pubsub.RetryPolicy{
			MaxAttempts: p.cfg.Bus.MaxAttempts,
			Backoff:     p.cfg.Bus.RetryBackoff,
		},
		Timeout: p.cfg.Transform.Timeout,
	})
	return p.bus.Subscribe(ctx, p.cfg.Topics.Requests, w.HandleProcessRequest)
}

// StartNotify subscribes the notification logger to the result topic.
func (p *Pipeline) StartNotify(ctx context.Context) error {
	sinks := []notify.Sink{notify.NewLogSink(p.NotifyLogger)}

	if p.cfg.Notify.Persist {
		db, err := database.New(&p.cfg.Database)
		if err != nil {
			return fmt.Errorf("init database: %w", err)
		}
		repo, err := notify.NewRepositorySink(db)
		if err != nil {
			_ = database.Close(db)
			return fmt.Errorf("init result repository: %w", err)
		}
		p.db = db
		sinks = append(sinks, repo)
	}

	n := notify.NewNotifier(sinks...)
	return p.bus.Subscribe(ctx, p.cfg.Topics.Results, n.HandleProcessResult)
}

// Close releases the bus, tracker and database in that order.
func (p *Pipeline) Close() error {
	var errs []error
	if err := p.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	if err := p.tracker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tracker: %w", err))
	}
	if p.db != nil {
		if err := database.Close(p.db); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
