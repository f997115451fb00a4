package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConvertOptions(batchSize int) ConvertOptions {
	return ConvertOptions{
		Writer:      testWriterOptions(batchSize),
		InvalidUTF8: InvalidUTF8Error,
	}
}

func TestConvert_RoundTrip(t *testing.T) {
	var sb strings.Builder
	var want []IndexEntry
	for i := 0; i < 2500; i++ {
		e := IndexEntry{
			ByteOffset: uint64(i) * 617,
			ArticleID:  fmt.Sprintf("%d", i+10),
			Title:      fmt.Sprintf("Article %d: Part %d", i, i%7),
		}
		want = append(want, e)
		fmt.Fprintf(&sb, "%d:%s:%s\n", e.ByteOffset, e.ArticleID, e.Title)
	}

	var out bytes.Buffer
	stats, err := Convert(context.Background(), strings.NewReader(sb.String()), &out, testConvertOptions(1024), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, int64(2500), stats.LinesRead)
	assert.Equal(t, int64(2500), stats.EntriesParsed)
	assert.Equal(t, 3, stats.RowGroups)
	assert.Equal(t, int64(2500), stats.Rows)
	assert.Equal(t, int64(out.Len()), stats.OutputBytes)

	pf, table := readIndexFile(t, out.Bytes())
	assert.Equal(t, 3, pf.NumRowGroups())
	assert.Equal(t, int64(1024), pf.MetaData().RowGroup(0).NumRows())
	assert.Equal(t, int64(452), pf.MetaData().RowGroup(2).NumRows())
	assert.Equal(t, want, tableEntries(t, table))
}

func TestConvert_EmptyInput(t *testing.T) {
	var out bytes.Buffer
	stats, err := Convert(context.Background(), strings.NewReader(""), &out, testConvertOptions(1024), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.RowGroups)

	pf, table := readIndexFile(t, out.Bytes())
	assert.Equal(t, 0, pf.NumRowGroups())
	assertIndexSchema(t, table.Schema())
}

func TestConvert_ParseErrorAborts(t *testing.T) {
	input := "1:1:One\n2:2:Two\n3:3:Three\nabc:4:Four\n5:5:Five\n"

	var out bytes.Buffer
	stats, err := Convert(context.Background(), strings.NewReader(input), &out, testConvertOptions(2), zerolog.Nop())
	require.Error(t, err)

	assert.True(t, strings.HasPrefix(err.Error(), "parse: line 4: "), "got %q", err.Error())
	assert.ErrorIs(t, err, ErrInvalidByteOffset)

	var lineErr *LineError
	require.True(t, errors.As(err, &lineErr))
	assert.Equal(t, int64(4), lineErr.Line)

	// The first batch was written before the failure, the footer never was
	assert.Equal(t, 1, stats.RowGroups)
	_, err = file.NewParquetReader(bytes.NewReader(out.Bytes()))
	assert.Error(t, err)
}

func TestConvert_InvalidUTF8(t *testing.T) {
	input := "1:1:Caf\xe9\n"

	var out bytes.Buffer
	_, err := Convert(context.Background(), strings.NewReader(input), &out, testConvertOptions(8), zerolog.Nop())
	assert.ErrorIs(t, err, ErrInvalidUTF8)

	opts := testConvertOptions(8)
	opts.InvalidUTF8 = InvalidUTF8Replace
	out.Reset()
	stats, err := Convert(context.Background(), strings.NewReader(input), &out, opts, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.UTF8Replaced)

	_, table := readIndexFile(t, out.Bytes())
	entries := tableEntries(t, table)
	require.Len(t, entries, 1)
	assert.Equal(t, "Caf�", entries[0].Title)
}

func TestConvert_ConfigErrors(t *testing.T) {
	var out bytes.Buffer

	_, err := Convert(context.Background(), strings.NewReader(""), &out, testConvertOptions(0), zerolog.Nop())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "config: "), "got %q", err.Error())
	assert.ErrorIs(t, err, ErrInvalidBatchSize)

	opts := testConvertOptions(8)
	opts.InvalidUTF8 = "drop"
	_, err = Convert(context.Background(), strings.NewReader(""), &out, opts, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "input: "), "got %q", err.Error())
}

func TestConvert_WriteError(t *testing.T) {
	sink := &failingWriter{limit: 8}
	_, err := Convert(context.Background(), strings.NewReader("1:1:A\n"), sink, testConvertOptions(8), zerolog.Nop())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "write: "), "got %q", err.Error())
	assert.ErrorIs(t, err, errSinkFull)
}

func TestConvert_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	_, err := Convert(ctx, strings.NewReader("1:1:A\n"), &out, testConvertOptions(8), zerolog.Nop())
	assert.ErrorIs(t, err, context.Canceled)
}
