package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weiawesome/image-pipeline/internal/domain"
)

// MemoryTracker keeps records in process memory.
type MemoryTracker struct {
	mu      sync.RWMutex
	records map[string]domain.StatusRecord
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{records: make(map[string]domain.StatusRecord)}
}

func (t *MemoryTracker) Mark(_ context.Context, bucket, name string, stage domain.Stage, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := bucket + "/" + name
	rec := t.records[key]
	if !rec.Stage.CanAdvance(stage) {
		return fmt.Errorf("%w: %s to %s", ErrStaleTransition, rec.Stage, stage)
	}
	if stage == domain.StageUploaded {
		rec = domain.StatusRecord{}
	}
	rec.Bucket = bucket
	rec.Name = name
	rec.Stage = stage
	rec.UpdatedAt = time.Now().UTC()
	if stage == domain.StageProcessing {
		rec.Attempts++
	}
	if stage == domain.StageFailed {
		rec.Error = errMsg
	} else {
		rec.Error = ""
	}
	t.records[key] = rec
	return nil
}

func (t *MemoryTracker) Get(_ context.Context, bucket, name string) (*domain.StatusRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[bucket+"/"+name]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (t *MemoryTracker) Close() error { return nil }
