package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStorage is an in-process ObjectStore for tests and the all-in-one
// pipeline binary. Content is copied on both Put and Get.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]map[string]memoryObject)}
}

// Get retrieves the object at bucket/key.
func (s *MemoryStorage) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[bucket][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

// Put stores data at bucket/key.
func (s *MemoryStorage) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.objects[bucket]
	if !ok {
		b = make(map[string]memoryObject)
		s.objects[bucket] = b
	}
	b[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

// Exists checks if an object exists at bucket/key.
func (s *MemoryStorage) Exists(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.objects[bucket][key]
	return ok, nil
}

// EnsureBucket is a no-op; buckets appear on first write.
func (s *MemoryStorage) EnsureBucket(ctx context.Context, bucket string) error {
	return nil
}

// ContentType returns the content type recorded for bucket/key.
func (s *MemoryStorage) ContentType(bucket, key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[bucket][key].contentType
}

// Keys returns the number of objects stored in bucket.
func (s *MemoryStorage) Keys(bucket string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects[bucket])
}
