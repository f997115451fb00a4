package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/basekick-labs/ix2parquet/internal/metrics"
	"github.com/rs/zerolog"
)

// ConvertOptions configures one conversion run
type ConvertOptions struct {
	Writer      WriterOptions
	MaxLineSize int              // longest accepted input line in bytes
	InvalidUTF8 string           // InvalidUTF8Error or InvalidUTF8Replace
	Allocator   memory.Allocator // nil uses the shared Go allocator
}

// ConvertStats summarizes a conversion run
type ConvertStats struct {
	LinesRead     int64
	EntriesParsed int64
	UTF8Replaced  int64
	InputBytes    int64
	RowGroups     int
	Rows          int64
	OutputBytes   int64
	Duration      time.Duration
}

// Convert reads index lines from in and writes a complete Parquet file to out.
//
// Stages pull from each other one item at a time, so memory stays bounded by
// the batch size. The first error from any stage aborts the run; in that case
// the footer is never written and out must be discarded by the caller.
// out is never closed.
func Convert(ctx context.Context, in io.Reader, out io.Writer, opts ConvertOptions, logger zerolog.Logger) (ConvertStats, error) {
	start := time.Now()
	log := logger.With().Str("component", "pipeline").Logger()

	var stats ConvertStats

	lines, err := NewScannerLineSource(in, opts.MaxLineSize, opts.InvalidUTF8)
	if err != nil {
		return stats, fmt.Errorf("input: %w", err)
	}
	parser := NewEntryParser(lines)

	batches, err := NewBatchAssembler(parser, opts.Writer.BatchSize, opts.Allocator)
	if err != nil {
		return stats, fmt.Errorf("config: %w", err)
	}

	writer, err := NewParquetWriter(out, opts.Writer, logger)
	if err != nil {
		return stats, fmt.Errorf("config: %w", err)
	}

	collect := func() {
		stats.LinesRead = parser.LinesRead()
		stats.EntriesParsed = parser.EntriesParsed()
		stats.UTF8Replaced = lines.Replaced()
		stats.InputBytes = lines.BytesRead()
		stats.RowGroups = writer.RowGroups()
		stats.Rows = writer.Rows()
		stats.OutputBytes = writer.BytesWritten()
		stats.Duration = time.Since(start)

		m := metrics.Get()
		m.IncLinesRead(stats.LinesRead)
		m.IncEntriesParsed(stats.EntriesParsed)
		m.IncUTF8Replaced(stats.UTF8Replaced)
		m.IncInputBytes(stats.InputBytes)
	}

	if err := writer.WriteAll(ctx, batches); err != nil {
		collect()
		return stats, classifyError(err)
	}

	if err := writer.Close(); err != nil {
		collect()
		return stats, fmt.Errorf("close: %w", err)
	}
	collect()

	log.Info().
		Int64("lines", stats.LinesRead).
		Int("row_groups", stats.RowGroups).
		Int64("rows", stats.Rows).
		Int64("size", stats.OutputBytes).
		Dur("duration", stats.Duration).
		Msg("Conversion complete")

	return stats, nil
}

// classifyError prefixes err with the pipeline stage it came from
func classifyError(err error) error {
	var lineErr *LineError
	switch {
	case errors.As(err, &lineErr):
		metrics.Get().IncParseErrors()
		return fmt.Errorf("parse: %w", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("write: %w", err)
	}
}
