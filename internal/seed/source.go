// Package seed loads the SQL script that every new tenant database is initialised from.
// The script is read from disk, split into statements for the tenant host's dialect and
// cached together with its SHA-256 checksum. A file watcher reloads it when an operator
// replaces the file, so a bad edit is reported in the logs before a tenant needs it.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/site-provisioner/site-provisioner/internal/safego"
	"github.com/site-provisioner/site-provisioner/internal/telemetry"
	"github.com/site-provisioner/site-provisioner/pkg/checksum"
)

var (
	// ErrNotFound is returned when the seed file does not exist.
	ErrNotFound = errors.New("SQL file not found")
	// ErrEmpty is returned when the seed file holds nothing but whitespace or comments.
	ErrEmpty = errors.New("SQL file is empty")
	// ErrChecksumMismatch is returned when the file does not match the pinned checksum.
	ErrChecksumMismatch = errors.New("SQL file checksum mismatch")
)

// Script is one loaded version of the seed file.
type Script struct {
	Path       string
	Statements []string
	Checksum   string
	LoadedAt   time.Time

	modTime time.Time
	size    int64
}

// Source serves the current seed script. It is safe for concurrent use.
type Source struct {
	path        string
	opts        SplitOptions
	expectedSHA string

	mu     sync.RWMutex
	script *Script

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSource creates a source for the file at path. When expectedSHA is non-empty the
// file must hash to it.
func NewSource(path string, opts SplitOptions, expectedSHA string) *Source {
	return &Source{
		path:        path,
		opts:        opts,
		expectedSHA: strings.ToLower(strings.TrimSpace(expectedSHA)),
	}
}

// Path returns the configured file path.
func (s *Source) Path() string {
	return s.path
}

// Load returns the current script. The file is stat'ed on every call and re-read only
// when its size or modification time changed, so a deleted file is reported as
// ErrNotFound even while a cached copy exists.
func (s *Source) Load(ctx context.Context) (*Script, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat seed file: %w", err)
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	cached := s.script
	s.mu.RUnlock()
	if cached != nil && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		return cached, nil
	}

	return s.reload()
}

func (s *Source) reload() (*Script, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.drop()
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat seed file: %w", err)
	}

	sum, err := checksum.CalculateSHA256(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if s.expectedSHA != "" && !checksum.Matches(sum, s.expectedSHA) {
		return nil, fmt.Errorf("%w: got %s", ErrChecksumMismatch, sum)
	}

	stmts := Split(string(data), s.opts)
	if len(stmts) == 0 {
		return nil, ErrEmpty
	}

	script := &Script{
		Path:       s.path,
		Statements: stmts,
		Checksum:   sum,
		LoadedAt:   time.Now(),
		modTime:    info.ModTime(),
		size:       info.Size(),
	}

	s.mu.Lock()
	s.script = script
	s.mu.Unlock()

	return script, nil
}

func (s *Source) drop() {
	s.mu.Lock()
	s.script = nil
	s.mu.Unlock()
}

// Watch starts reloading the script whenever the file changes. The parent directory is
// watched so that files replaced by rename (editors, config management) are picked up.
func (s *Source) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create seed watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch seed directory: %w", err)
	}

	s.watcher = watcher
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	safego.Go("seed-watcher", func() {
		defer s.wg.Done()
		s.watchLoop(ctx, watcher)
	})

	slog.Info("watching seed file", "path", s.path)
	return nil
}

// Stop stops the watcher started by Watch.
func (s *Source) Stop() {
	if s.watcher == nil {
		return
	}
	close(s.stopCh)
	s.watcher.Close()
	s.wg.Wait()
	s.watcher = nil
}

func (s *Source) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.drop()
				slog.Warn("seed file removed", "path", s.path)
				telemetry.SeedReloadsTotal.WithLabelValues("removed").Inc()
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("seed watcher error", "path", s.path, "error", err)
		}
	}
}

func (s *Source) onChange() {
	script, err := s.reload()
	if err != nil {
		slog.Error("seed file reload failed", "path", s.path, "error", err)
		telemetry.SeedReloadsTotal.WithLabelValues("error").Inc()
		return
	}
	slog.Info("seed file reloaded",
		"path", s.path,
		"checksum", script.Checksum,
		"statements", len(script.Statements),
	)
	telemetry.SeedReloadsTotal.WithLabelValues("ok").Inc()
}
