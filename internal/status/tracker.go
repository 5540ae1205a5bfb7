// Package status tracks the lifecycle of uploaded objects. Tracking is
// best effort: a tracker failure is logged and never fails a pipeline stage.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/weiawesome/image-pipeline/internal/domain"
	"github.com/weiawesome/image-pipeline/pkg/log"
)

var (
	ErrNotFound = errors.New("status not found")
	// ErrStaleTransition is returned by Mark when the record is already at
	// or past the requested stage, such as a late or duplicate update.
	ErrStaleTransition = errors.New("stale status transition")
)

// Tracker records lifecycle transitions per (bucket, name).
type Tracker interface {
	// Mark moves the object to stage if domain.Stage.CanAdvance allows it,
	// and returns ErrStaleTransition otherwise. Entering StageProcessing
	// counts an attempt; StageUploaded starts a fresh record. errMsg is kept
	// for StageFailed.
	Mark(ctx context.Context, bucket, name string, stage domain.Stage, errMsg string) error
	Get(ctx context.Context, bucket, name string) (*domain.StatusRecord, error)
	Close() error
}

// fieldLifecycle is the log key of the tracked stage.
const fieldLifecycle = "lifecycle_stage"

// Record marks a transition and logs instead of returning failures.
func Record(ctx context.Context, t Tracker, bucket, name string, stage domain.Stage, errMsg string) {
	if t == nil {
		return
	}
	err := t.Mark(ctx, bucket, name, stage, errMsg)
	if err == nil {
		return
	}
	l := log.Ctx(ctx)
	if errors.Is(err, ErrStaleTransition) {
		l.Debug().Err(err).Msg("lifecycle status already past stage")
		return
	}
	l.Warn().Err(err).Str(fieldLifecycle, string(stage)).Msg("failed to record lifecycle status")
}

// New creates the Tracker named by driver: "redis", "memory", or "none".
func New(ctx context.Context, driver string, opts RedisOptions) (Tracker, error) {
	switch driver {
	case "redis":
		return NewRedisTracker(ctx, opts)
	case "memory", "":
		return NewMemoryTracker(), nil
	case "none":
		return NopTracker{}, nil
	default:
		return nil, fmt.Errorf("unsupported status driver: %s", driver)
	}
}

// NopTracker discards every transition.
type NopTracker struct{}

func (NopTracker) Mark(context.Context, string, string, domain.Stage, string) error { return nil }

func (NopTracker) Get(context.Context, string, string) (*domain.StatusRecord, error) {
	return nil, ErrNotFound
}

func (NopTracker) Close() error { return nil }
