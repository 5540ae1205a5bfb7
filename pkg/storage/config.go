package storage

import (
	"context"
	"fmt"
)

// Config selects and configures an ObjectStore driver.
type Config struct {
	Type  string      `mapstructure:"type"` // "s3", "minio", "local", "memory"
	S3    S3Config    `mapstructure:"s3"`
	MinIO MinIOConfig `mapstructure:"minio"`
	Local LocalConfig `mapstructure:"local"`
}

// New creates the ObjectStore named by cfg.Type.
func New(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch cfg.Type {
	case "s3":
		return NewS3Storage(ctx, cfg.S3)
	case "minio":
		return NewMinIOStorage(cfg.MinIO)
	case "local":
		return NewLocalStorage(cfg.Local)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %q", cfg.Type)
	}
}
