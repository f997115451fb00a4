package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/basekick-labs/ix2parquet/internal/metrics"
	"github.com/rs/zerolog"
)

var (
	ErrStagedCommitted = errors.New("staged file already committed")
	ErrStagedClosed    = errors.New("staged file already closed")
)

// StagedFile is a temporary local file that becomes visible at its destination
// only when committed. Until then the destination is never touched.
type StagedFile struct {
	backend Backend
	path    string
	file    *os.File
	tmpPath string
	written int64

	committed bool
	closed    bool

	logger zerolog.Logger
}

// NewStagedFile creates a staging file for path on backend.
// Backends implementing Stager choose the directory; otherwise stagingDir is
// used, or the OS temp dir when stagingDir is empty.
func NewStagedFile(backend Backend, path, stagingDir string, logger zerolog.Logger) (*StagedFile, error) {
	dir := stagingDir
	if s, ok := backend.(Stager); ok {
		d, err := s.StagingDir(path)
		if err != nil {
			return nil, err
		}
		dir = d
	}
	if dir == "" {
		dir = os.TempDir()
	}

	f, err := os.CreateTemp(dir, ".ix2parquet-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	return &StagedFile{
		backend: backend,
		path:    path,
		file:    f,
		tmpPath: f.Name(),
		logger:  logger.With().Str("component", "staged-file").Logger(),
	}, nil
}

// Write appends to the staging file
func (s *StagedFile) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStagedClosed
	}
	if s.committed {
		return 0, ErrStagedCommitted
	}
	n, err := s.file.Write(p)
	s.written += int64(n)
	return n, err
}

// Size returns the number of bytes written so far
func (s *StagedFile) Size() int64 {
	return s.written
}

// Commit syncs and closes the staging file and publishes it to the destination.
// Backends implementing FilePublisher take the file over; all others get a
// copy uploaded and the staging file is removed afterwards.
// On failure the staging file is removed and the destination is left untouched.
func (s *StagedFile) Commit(ctx context.Context) error {
	if s.closed {
		return ErrStagedClosed
	}
	if s.committed {
		return ErrStagedCommitted
	}

	start := time.Now()
	m := metrics.Get()

	if err := s.file.Sync(); err != nil {
		s.abort()
		m.IncPublishErrors()
		return fmt.Errorf("failed to sync staging file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		s.abort()
		m.IncPublishErrors()
		return fmt.Errorf("failed to close staging file: %w", err)
	}

	if err := s.publish(ctx); err != nil {
		s.abort()
		m.IncPublishErrors()
		return err
	}

	s.committed = true
	s.closed = true
	m.IncPublish()
	m.IncPublishBytes(s.written)

	s.logger.Info().
		Str("location", Location(s.backend, s.path)).
		Int64("size", s.written).
		Dur("duration", time.Since(start)).
		Msg("Published output")

	return nil
}

func (s *StagedFile) publish(ctx context.Context) error {
	if p, ok := s.backend.(FilePublisher); ok {
		return p.PublishFile(ctx, s.tmpPath, s.path)
	}

	f, err := os.Open(s.tmpPath)
	if err != nil {
		return fmt.Errorf("failed to reopen staging file: %w", err)
	}
	defer f.Close()

	if err := s.backend.WriteReader(ctx, s.path, f, s.written); err != nil {
		return err
	}

	if err := os.Remove(s.tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn().Err(err).Str("path", s.tmpPath).Msg("Failed to remove staging file")
	}
	return nil
}

// abort closes and removes the staging file, ignoring errors
func (s *StagedFile) abort() {
	s.closed = true
	s.file.Close()
	os.Remove(s.tmpPath)
}

// Close discards an uncommitted staging file. It is a no-op after Commit
// and safe to call more than once.
func (s *StagedFile) Close() error {
	if s.committed || s.closed {
		return nil
	}
	s.closed = true

	closeErr := s.file.Close()
	if err := os.Remove(s.tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove staging file: %w", err)
	}

	s.logger.Debug().Str("path", s.tmpPath).Msg("Discarded staging file")

	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return closeErr
	}
	return nil
}
