// Package filestore persists normalized images under a deterministic,
// content-keyed path and verifies every write.
package filestore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cwygoda/cardcatcher/internal/domain"
)

const (
	DefaultImagesDir  = "pokemon_images"
	DefaultAttempts   = 3
	DefaultRetryPause = time.Second
	DefaultMinBytes   = 1024

	filePrefix = "pokemon"
)

var errTooSmall = errors.New("file below minimum size")

// Options configures a Store. Zero values use the defaults, except
// RetryPause where zero means no pause between attempts.
type Options struct {
	ImagesDir  string
	Attempts   int
	RetryPause time.Duration
	MinBytes   int64
	Logger     *slog.Logger
	Retries    prometheus.Counter
}

// Store implements domain.ContentStore on the local filesystem. Paths it
// returns are relative to root.
type Store struct {
	root   string
	opts   Options
	logger *slog.Logger
}

var _ domain.ContentStore = (*Store)(nil)

// New creates a Store rooted at the workspace directory root.
func New(root string, opts Options) *Store {
	if opts.ImagesDir == "" {
		opts.ImagesDir = DefaultImagesDir
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.RetryPause < 0 {
		opts.RetryPause = 0
	}
	if opts.MinBytes <= 0 {
		opts.MinBytes = DefaultMinBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, opts: opts, logger: logger}
}

// Prepare creates the per-class folders.
func (s *Store) Prepare() error {
	for _, class := range domain.Classes {
		dir := filepath.Join(s.root, s.opts.ImagesDir, class.Folder())
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create image dir: %w", err)
		}
	}
	return nil
}

// FileName returns pokemon_{class}_{index}_{hash8}.jpg, where hash8 is the
// first 8 hex digits of the MD5 of url.
func FileName(class domain.ValueClass, index int, url string) string {
	sum := md5.Sum([]byte(url))
	return fmt.Sprintf("%s_%s_%d_%s.jpg", filePrefix, class, index, hex.EncodeToString(sum[:])[:8])
}

// RelPath returns the slash-separated path of the image relative to root.
func (s *Store) RelPath(class domain.ValueClass, index int, url string) string {
	return filepath.ToSlash(filepath.Join(s.opts.ImagesDir, class.Folder(), FileName(class, index, url)))
}

// Path returns the absolute location of the image.
func (s *Store) Path(class domain.ValueClass, index int, url string) string {
	return filepath.Join(s.root, filepath.FromSlash(s.RelPath(class, index, url)))
}

// Lookup returns the relative path if a verified file already exists.
func (s *Store) Lookup(class domain.ValueClass, index int, url string) (string, bool) {
	if err := s.Verify(s.Path(class, index, url)); err != nil {
		return "", false
	}
	return s.RelPath(class, index, url), true
}

// Save writes img for the row and verifies it. An existing verified file is
// kept untouched. A write that keeps failing verification is removed.
func (s *Store) Save(ctx context.Context, img *domain.NormalizedImage, class domain.ValueClass, index int, url string) (string, error) {
	rel := s.RelPath(class, index, url)
	path := s.Path(class, index, url)

	if s.Verify(path) == nil {
		return rel, nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.Attempts; attempt++ {
		if attempt > 1 {
			if s.opts.Retries != nil {
				s.opts.Retries.Inc()
			}
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %s: %w", domain.ErrStore, rel, ctx.Err())
			case <-time.After(s.opts.RetryPause):
			}
		}

		if err := writeFile(path, img.Data); err != nil {
			lastErr = err
			s.logger.Debug("image write failed", "path", rel, "attempt", attempt, "error", err)
			continue
		}
		if err := s.Verify(path); err != nil {
			lastErr = err
			s.logger.Debug("image verification failed", "path", rel, "attempt", attempt, "error", err)
			continue
		}
		return rel, nil
	}

	os.Remove(path)
	return "", fmt.Errorf("%w: %s after %d attempts: %w", domain.ErrStore, rel, s.opts.Attempts, lastErr)
}

// Verify checks that path exists, holds at least MinBytes and decodes as an image.
func (s *Store) Verify(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() < s.opts.MinBytes {
		return fmt.Errorf("%w: %d < %d bytes", errTooSmall, info.Size(), s.opts.MinBytes)
	}
	if _, err := imaging.Open(path); err != nil {
		return fmt.Errorf("invalid image: %w", err)
	}
	return nil
}

// writeFile writes data to a temp file next to path, then renames it into
// place so readers never see a partial file.
func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".pokemon-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
