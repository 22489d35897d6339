package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/saas-invoice/saas-invoice/internal/platform/logger"
)

// FileStore keeps objects on the local filesystem. It backs development setups
// without object storage.
type FileStore struct {
	baseDir string
	logger  logger.Logger
}

// NewFileStore creates the base directory if needed
func NewFileStore(baseDir string, log logger.Logger) (*FileStore, error) {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "saas-invoice-documents")
	}
	if log == nil {
		log = logger.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStore{baseDir: baseDir, logger: log}, nil
}

func (s *FileStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.baseDir, clean), nil
}

// Put writes data atomically under key
func (s *FileStore) Put(ctx context.Context, key string, data []byte, _ string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	s.logger.WithContext(ctx).Debug("Object stored", "path", path, "size", len(data))
	return nil
}

// Get reads the object under key
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object under key. Missing objects are not an error.
func (s *FileStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
