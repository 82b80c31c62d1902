// Package local implements the filesystem storage backend. Each tenant namespace is a
// directory directly under the configured base path; the base path is typically the
// uploads directory shared by the web tier, so it must be reachable by every node that
// serves tenant sites (a local disk for single-node installs, NFS or similar otherwise).
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/site-provisioner/site-provisioner/internal/config"
	"github.com/site-provisioner/site-provisioner/internal/storage"
)

// DirMode is the permission set for namespace directories. The web server user must be
// able to traverse them.
const DirMode fs.FileMode = 0755

func init() {
	storage.Register("local", func(cfg *config.Config) (storage.Storage, error) {
		return New(&cfg.Storage.Local)
	})
}

// LocalStorage implements the Storage interface for local filesystem storage
type LocalStorage struct {
	basePath string
}

// New creates a new local filesystem storage backend
func New(cfg *config.LocalStorageConfig) (*LocalStorage, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("local storage base_path is required")
	}
	basePath, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage base path: %w", err)
	}
	if err := os.MkdirAll(basePath, DirMode); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalStorage{basePath: basePath}, nil
}

func (s *LocalStorage) path(key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, key), nil
}

// EnsureDir creates the namespace directory. An existing directory is success.
func (s *LocalStorage) EnsureDir(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.path(key)
	if err != nil {
		return false, err
	}

	info, err := os.Lstat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return false, fmt.Errorf("%w: %s", storage.ErrNotDirectory, dir)
		}
		return false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("failed to stat %s: %w", dir, err)
	}

	// The base path may have been removed since startup; recreate it with the leaf.
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return false, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return true, nil
}

// RemoveDir deletes the namespace directory and its contents
func (s *LocalStorage) RemoveDir(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.path(key)
	if err != nil {
		return err
	}

	info, err := os.Lstat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", storage.ErrNotDirectory, dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory %s: %w", dir, err)
	}
	return nil
}

// Exists reports whether the namespace directory exists
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.path(key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	return info.IsDir(), nil
}

// Location returns the absolute directory of the namespace
func (s *LocalStorage) Location(key string) string {
	return filepath.Join(s.basePath, key)
}

// BasePath returns the absolute base directory
func (s *LocalStorage) BasePath() string {
	return s.basePath
}
