package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the bucket/key pair holds no object.
var ErrNotFound = errors.New("object not found")

// ObjectStore is a bucket-addressed blob store.
//
// Writes are whole-object: a Put under an existing key replaces it. Reads and
// writes use byte slices because pipeline objects are single images that
// the transform has to hold in memory anyway.
type ObjectStore interface {
	// Get returns the object content. It wraps ErrNotFound when the object is missing.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Put stores data under bucket/key. It returns only after the write has
	// been acknowledged by the backend.
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error

	// Exists reports whether bucket/key holds an object.
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// EnsureBucket creates the bucket when the backend has such a concept
	// and it does not exist yet.
	EnsureBucket(ctx context.Context, bucket string) error
}
