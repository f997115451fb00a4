package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/basekick-labs/ix2parquet/internal/metrics"
	"github.com/rs/zerolog"
)

var (
	ErrSchemaMismatch = errors.New("record schema does not match index schema")
	ErrWriterFailed   = errors.New("parquet writer failed earlier, file is incomplete")
	ErrWriterClosed   = errors.New("parquet writer already closed")
)

// WriterState tracks the lifecycle of a ParquetWriter
type WriterState int

const (
	StateOpened WriterState = iota
	StateWriting
	StateFlushed
	StateClosed
	StateFailed
)

func (s WriterState) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateWriting:
		return "writing"
	case StateFlushed:
		return "flushed"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// WriterOptions configures the Parquet output
type WriterOptions struct {
	Compression     compress.Compression
	BatchSize       int    // rows per row group, also the max row group length
	UseDictionary   bool   // dictionary encoding for string columns
	WriteStatistics bool   // column statistics in the footer
	DataPageVersion string // "1.0" or "2.0"
}

// DefaultWriterOptions returns uncompressed output with dictionary encoding and statistics
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		Compression:     compress.Codecs.Uncompressed,
		BatchSize:       DefaultBatchSize,
		UseDictionary:   true,
		WriteStatistics: true,
		DataPageVersion: "1.0",
	}
}

// countingWriter counts bytes handed to the sink.
// It deliberately hides any Close method of the sink from the Parquet library.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ParquetWriter appends index record batches to a Parquet file, one row group per batch.
//
// The footer is only written by Close, and Close refuses to run after a failed
// write, so a failed run never produces a file that readers accept.
// The sink is never closed by the writer.
type ParquetWriter struct {
	fw     *pqarrow.FileWriter
	buf    *bufio.Writer
	sink   *countingWriter
	state  WriterState
	schema *arrow.Schema

	rowGroups int
	rows      int64

	logger zerolog.Logger
}

// NewParquetWriter opens a Parquet writer on w tagged with IndexSchema
func NewParquetWriter(w io.Writer, opts WriterOptions, logger zerolog.Logger) (*ParquetWriter, error) {
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, opts.BatchSize)
	}
	if err := checkCodecAvailable(opts.Compression); err != nil {
		return nil, err
	}

	writerOpts := []parquet.WriterProperty{
		parquet.WithCompression(opts.Compression),
		parquet.WithDictionaryDefault(opts.UseDictionary),
		parquet.WithStats(opts.WriteStatistics),
		parquet.WithMaxRowGroupLength(int64(opts.BatchSize)),
	}
	if opts.DataPageVersion == "2.0" {
		writerOpts = append(writerOpts, parquet.WithDataPageVersion(parquet.DataPageV2))
	}
	writerProps := parquet.NewWriterProperties(writerOpts...)

	// Store the Arrow schema so readers get uint64 and non-null fields back unchanged
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	sink := &countingWriter{w: w}
	buf := bufio.NewWriterSize(sink, 1024*1024)

	fw, err := pqarrow.NewFileWriter(IndexSchema, buf, writerProps, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}

	return &ParquetWriter{
		fw:     fw,
		buf:    buf,
		sink:   sink,
		state:  StateOpened,
		schema: IndexSchema,
		logger: logger.With().Str("component", "parquet-writer").Logger(),
	}, nil
}

// State returns the current lifecycle state
func (w *ParquetWriter) State() WriterState {
	return w.state
}

// RowGroups returns the number of row groups written
func (w *ParquetWriter) RowGroups() int {
	return w.rowGroups
}

// Rows returns the number of rows written
func (w *ParquetWriter) Rows() int64 {
	return w.rows
}

// BytesWritten returns the bytes that reached the sink so far
func (w *ParquetWriter) BytesWritten() int64 {
	return w.sink.n
}

func (w *ParquetWriter) checkWritable() error {
	switch w.state {
	case StateFailed:
		return ErrWriterFailed
	case StateClosed:
		return ErrWriterClosed
	case StateFlushed:
		// Flushed only follows a complete WriteAll
		return fmt.Errorf("parquet writer already flushed, cannot append row groups")
	}
	return nil
}

// fail moves the writer to the terminal Failed state after a write error
func (w *ParquetWriter) fail(err error) error {
	metrics.Get().IncWriteErrors()
	return w.abort(err)
}

// abort moves the writer to Failed for errors raised outside the writer,
// such as a bad input line or cancellation
func (w *ParquetWriter) abort(err error) error {
	w.state = StateFailed
	return err
}

// WriteBatch appends rec as one row group. The record is not released.
func (w *ParquetWriter) WriteBatch(rec arrow.Record) error {
	if err := w.checkWritable(); err != nil {
		return err
	}

	if !rec.Schema().Equal(w.schema) {
		return w.fail(fmt.Errorf("%w: got %s", ErrSchemaMismatch, rec.Schema()))
	}

	start := time.Now()
	w.state = StateWriting
	if err := w.fw.Write(rec); err != nil {
		return w.fail(fmt.Errorf("failed to write row group %d: %w", w.rowGroups+1, err))
	}

	w.rowGroups++
	w.rows += rec.NumRows()

	m := metrics.Get()
	m.IncRowGroupsWritten()
	m.IncRowsWritten(rec.NumRows())
	m.RecordRowGroupLatency(time.Since(start).Microseconds())

	w.logger.Debug().
		Int("row_group", w.rowGroups).
		Int64("rows", rec.NumRows()).
		Dur("duration", time.Since(start)).
		Msg("Wrote row group")

	return nil
}

// WriteAll writes every batch from batches in order and then flushes.
// It stops at the first error, whether raised while producing a batch or
// while writing it, and leaves the writer Failed.
func (w *ParquetWriter) WriteAll(ctx context.Context, batches BatchReader) error {
	if err := w.checkWritable(); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return w.abort(fmt.Errorf("conversion cancelled: %w", err))
		}

		rec, err := batches.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return w.abort(err)
		}
		metrics.Get().IncBatchesBuilt()

		err = w.WriteBatch(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}

	return w.Flush()
}

// Flush pushes buffered bytes of completed row groups to the sink
func (w *ParquetWriter) Flush() error {
	switch w.state {
	case StateOpened, StateWriting, StateFlushed:
	case StateFailed:
		return ErrWriterFailed
	case StateClosed:
		return ErrWriterClosed
	}

	if err := w.buf.Flush(); err != nil {
		return w.fail(fmt.Errorf("failed to flush Parquet writer: %w", err))
	}
	w.state = StateFlushed
	return nil
}

// Close writes the footer and flushes it to the sink. It must only be called
// once, after all batches were written successfully.
func (w *ParquetWriter) Close() error {
	switch w.state {
	case StateFailed:
		return ErrWriterFailed
	case StateClosed:
		return ErrWriterClosed
	case StateOpened, StateWriting:
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if err := w.fw.Close(); err != nil {
		return w.fail(fmt.Errorf("failed to close Parquet writer: %w", err))
	}
	if err := w.buf.Flush(); err != nil {
		return w.fail(fmt.Errorf("failed to flush Parquet footer: %w", err))
	}
	w.state = StateClosed

	metrics.Get().IncBytesWritten(w.sink.n)

	w.logger.Debug().
		Int("row_groups", w.rowGroups).
		Int64("rows", w.rows).
		Int64("size", w.sink.n).
		Msg("Closed Parquet file")

	return nil
}
