package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage implements ObjectStore on the local filesystem.
// Each bucket is a directory under the base path.
type LocalStorage struct {
	basePath string
}

// LocalConfig holds configuration for local storage.
type LocalConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	absPath, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	return &LocalStorage{basePath: absPath}, nil
}

// fullPath returns the filesystem path for bucket/key, rejecting segments
// that would escape the base path.
func (s *LocalStorage) fullPath(bucket, key string) (string, error) {
	for _, part := range []string{bucket, key} {
		clean := filepath.Clean(part)
		if part == "" || clean == "." || clean == ".." ||
			strings.HasPrefix(clean, ".."+string(os.PathSeparator)) || filepath.IsAbs(clean) {
			return "", fmt.Errorf("invalid path segment %q", part)
		}
	}
	return filepath.Join(s.basePath, filepath.Clean(bucket), filepath.Clean(key)), nil
}

// Get retrieves the object at bucket/key.
func (s *LocalStorage) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	path, err := s.fullPath(bucket, key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Put writes through a temp file and renames it into place, so readers
// never observe a partially written object.
func (s *LocalStorage) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	path, err := s.fullPath(bucket, key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write content: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Exists checks if an object exists at bucket/key.
func (s *LocalStorage) Exists(ctx context.Context, bucket, key string) (bool, error) {
	path, err := s.fullPath(bucket, key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return !info.IsDir(), nil
}

// EnsureBucket creates the bucket directory.
func (s *LocalStorage) EnsureBucket(ctx context.Context, bucket string) error {
	path, err := s.fullPath(bucket, "x")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create bucket directory: %w", err)
	}
	return nil
}

// GetBasePath returns the base path for the storage.
func (s *LocalStorage) GetBasePath() string {
	return s.basePath
}
