package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrDestinationExists is returned when overwriting is disabled and the output already exists
var ErrDestinationExists = errors.New("destination already exists")

// Backend is a destination the finished Parquet file can be published to
type Backend interface {
	// WriteReader writes data from a reader to the specified path.
	// size may be -1 when unknown.
	WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error

	// Exists checks if an object exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)

	// Close closes any resources held by the backend
	Close() error

	// Type returns the storage type identifier ("local", "s3", "azure")
	Type() string
}

// FilePublisher moves an already written local file into place without copying.
// Local storage implements it with a rename.
type FilePublisher interface {
	PublishFile(ctx context.Context, localPath, path string) error
}

// Stager reports the directory a staging file for path should be created in,
// so that publishing it stays on one filesystem
type Stager interface {
	StagingDir(path string) (string, error)
}

// Locator renders a destination path as a human-readable location for logs
type Locator interface {
	Location(path string) string
}

// Location returns a printable location for path on backend
func Location(backend Backend, path string) string {
	if l, ok := backend.(Locator); ok {
		return l.Location(path)
	}
	return backend.Type() + ":" + path
}

// CheckOverwrite fails with ErrDestinationExists when overwrite is false and
// path is already present on backend. It runs before any input is read.
func CheckOverwrite(ctx context.Context, backend Backend, path string, overwrite bool) error {
	if overwrite {
		return nil
	}
	exists, err := backend.Exists(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to check destination: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s (set output.overwrite to replace it)", ErrDestinationExists, Location(backend, path))
	}
	return nil
}
