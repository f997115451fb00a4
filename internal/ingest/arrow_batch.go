package ingest

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// DefaultBatchSize is the number of entries per record batch (and row group)
const DefaultBatchSize = 1024

// ErrInvalidBatchSize is returned for batch sizes below 1
var ErrInvalidBatchSize = errors.New("batch size must be at least 1")

// Column names of the index schema
const (
	ColumnByteOffset = "byte_offset"
	ColumnArticleID  = "article_id"
	ColumnTitle      = "title"
)

// IndexSchema is the fixed Arrow schema shared by every batch and the output file
var IndexSchema = arrow.NewSchema([]arrow.Field{
	{Name: ColumnByteOffset, Type: arrow.PrimitiveTypes.Uint64, Nullable: false},
	{Name: ColumnArticleID, Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: ColumnTitle, Type: arrow.BinaryTypes.String, Nullable: false},
}, nil)

// sharedArrowAllocator is the default allocator for batches.
// memory.GoAllocator is safe for concurrent use.
var sharedArrowAllocator = memory.NewGoAllocator()

// BatchReader yields Arrow record batches.
// Next returns io.EOF once the sequence ends; callers release returned records.
type BatchReader interface {
	Next() (arrow.Record, error)
}

// BatchAssembler groups entries into record batches of at most batchSize rows.
// The only state kept between calls is the position in the source.
type BatchAssembler struct {
	src       EntryReader
	batchSize int
	mem       memory.Allocator
	exhausted bool
}

// NewBatchAssembler creates an assembler pulling from src. A nil allocator
// uses the shared Go allocator.
func NewBatchAssembler(src EntryReader, batchSize int, mem memory.Allocator) (*BatchAssembler, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, batchSize)
	}
	if mem == nil {
		mem = sharedArrowAllocator
	}
	return &BatchAssembler{
		src:       src,
		batchSize: batchSize,
		mem:       mem,
	}, nil
}

// Next pulls up to batchSize entries and returns them as one record.
//
// An error from the source is returned as is and the entries gathered so far
// in this call are dropped; a later call resumes after the failing item.
// When the source is exhausted before any entry was gathered, Next returns io.EOF.
func (a *BatchAssembler) Next() (arrow.Record, error) {
	if a.exhausted {
		return nil, io.EOF
	}

	offsets := array.NewUint64Builder(a.mem)
	ids := array.NewStringBuilder(a.mem)
	titles := array.NewStringBuilder(a.mem)
	defer func() {
		offsets.Release()
		ids.Release()
		titles.Release()
	}()

	offsets.Reserve(a.batchSize)
	ids.Reserve(a.batchSize)
	titles.Reserve(a.batchSize)

	for n := 0; n < a.batchSize; n++ {
		entry, err := a.src.Next()
		if err == io.EOF {
			a.exhausted = true
			break
		}
		if err != nil {
			return nil, err
		}

		offsets.Append(entry.ByteOffset)
		ids.Append(entry.ArticleID)
		titles.Append(entry.Title)
	}

	rows := offsets.Len()
	if rows == 0 {
		return nil, io.EOF
	}

	cols := []arrow.Array{
		offsets.NewUint64Array(),
		ids.NewStringArray(),
		titles.NewStringArray(),
	}
	defer func() {
		for _, col := range cols {
			col.Release()
		}
	}()

	// NewRecord retains the columns; the deferred release drops our references
	return array.NewRecord(IndexSchema, cols, int64(rows)), nil
}
