package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// ErrInvalidPath is returned for empty paths and paths resolving outside the base directory
var ErrInvalidPath = errors.New("invalid path")

const (
	publishedFileMode fs.FileMode = 0o644
	outputDirMode     fs.FileMode = 0o755
)

// LocalBackend publishes files below a base directory.
// Every write lands through a rename so readers never see a partial file.
type LocalBackend struct {
	basePath string
	logger   zerolog.Logger
}

// NewLocalBackend requires basePath to be an existing directory
func NewLocalBackend(basePath string, logger zerolog.Logger) (*LocalBackend, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", basePath, err)
	}

	info, err := os.Stat(abs)
	switch {
	case err != nil:
		return nil, fmt.Errorf("output directory %s: %w", abs, err)
	case !info.IsDir():
		return nil, fmt.Errorf("output directory %s is not a directory", abs)
	}

	return &LocalBackend{
		basePath: abs,
		logger:   logger.With().Str("component", "local-storage").Str("base", abs).Logger(),
	}, nil
}

// WriteReader copies reader into a temp file next to path, syncs it and
// renames it into place
func (b *LocalBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	dir, err := b.StagingDir(path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".ix2parquet-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, reader)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = b.PublishFile(ctx, tmpPath, path)
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	b.logger.Debug().Str("path", path).Int64("size", n).Msg("Wrote file")
	return nil
}

// PublishFile renames localPath onto path; both must be on one filesystem.
// Temp files are created 0600, published output gets the usual 0644.
func (b *LocalBackend) PublishFile(_ context.Context, localPath, path string) error {
	dest, err := b.validatePath(path)
	if err != nil {
		return err
	}

	if err := os.Chmod(localPath, publishedFileMode); err != nil {
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(localPath, dest); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", filepath.Base(localPath), err)
	}

	b.logger.Debug().Str("path", dest).Msg("Published file")
	return nil
}

// StagingDir returns the directory path will be published into, created if missing
func (b *LocalBackend) StagingDir(path string) (string, error) {
	dest, err := b.validatePath(path)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, outputDirMode); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return dir, nil
}

func (b *LocalBackend) Exists(_ context.Context, path string) (bool, error) {
	dest, err := b.validatePath(path)
	if err != nil {
		return false, err
	}

	switch _, err := os.Stat(dest); {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Close is a no-op
func (b *LocalBackend) Close() error {
	return nil
}

func (b *LocalBackend) GetBasePath() string {
	return b.basePath
}

// Location returns the absolute filesystem path of path
func (b *LocalBackend) Location(path string) string {
	if dest, err := b.validatePath(path); err == nil {
		return dest
	}
	return filepath.Join(b.basePath, path)
}

func (b *LocalBackend) Type() string {
	return "local"
}

// validatePath resolves path below the base directory. Rooting the path before
// cleaning it strips any leading "..", so nothing can escape the base.
func (b *LocalBackend) validatePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}

	dest := filepath.Join(b.basePath, filepath.Clean("/"+path))
	rel, err := filepath.Rel(b.basePath, dest)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %s", ErrInvalidPath, path, b.basePath)
	}
	return dest, nil
}
