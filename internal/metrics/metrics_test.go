package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyBucket(t *testing.T) {
	tests := []struct {
		micros int64
		want   int
	}{
		{0, 0},
		{1000, 0},
		{1001, 1},
		{10000, 2},
		{999999, 8},
		{1000000, 8},
		{5000000, 9},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, latencyBucket(tt.micros), "micros=%d", tt.micros)
	}
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.IncLinesRead(10)
	m.IncEntriesParsed(9)
	m.IncParseErrors()
	m.IncBatchesBuilt()
	m.IncRowGroupsWritten()
	m.IncRowsWritten(9)
	m.IncBytesWritten(512)

	snap := m.Snapshot()
	assert.Equal(t, int64(10), snap["lines_read_total"])
	assert.Equal(t, int64(9), snap["entries_parsed_total"])
	assert.Equal(t, int64(1), snap["parse_errors_total"])
	assert.Equal(t, int64(1), snap["row_groups_written_total"])
	assert.Equal(t, int64(9), snap["rows_written_total"])
	assert.Equal(t, int64(512), snap["bytes_written_total"])
}

func TestPrometheusFormat(t *testing.T) {
	m := New()
	m.IncRowsWritten(2048)
	m.RecordRowGroupLatency(3000)
	m.RecordRowGroupLatency(2_000_000)

	out := m.PrometheusFormat()

	assert.Contains(t, out, "# TYPE ix2parquet_rows_written_total counter\n")
	assert.Contains(t, out, "ix2parquet_rows_written_total 2048\n")
	assert.Contains(t, out, `ix2parquet_row_group_write_seconds_bucket{le="0.001"} 0`)
	assert.Contains(t, out, `ix2parquet_row_group_write_seconds_bucket{le="0.005"} 1`)
	assert.Contains(t, out, `ix2parquet_row_group_write_seconds_bucket{le="+Inf"} 2`)
	assert.Contains(t, out, "ix2parquet_row_group_write_seconds_count 2\n")
	assert.Contains(t, out, "ix2parquet_row_group_write_seconds_sum 2.003\n")
}

func TestWriteTextfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ix2parquet.prom")

	m := New()
	m.IncLinesRead(3)
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ix2parquet_lines_read_total 3\n")

	// No temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestWriteTextfile_MissingDirectory(t *testing.T) {
	m := New()
	err := m.WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom"))
	assert.Error(t, err)
}
