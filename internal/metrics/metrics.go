package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds the conversion counters of one process
type Metrics struct {
	startTime time.Time

	// Input metrics
	linesReadTotal     atomic.Int64
	inputBytesTotal    atomic.Int64
	entriesParsedTotal atomic.Int64
	parseErrorsTotal   atomic.Int64
	utf8ReplacedTotal  atomic.Int64

	// Batch / writer metrics
	batchesBuiltTotal     atomic.Int64
	rowGroupsWrittenTotal atomic.Int64
	rowsWrittenTotal      atomic.Int64
	bytesWrittenTotal     atomic.Int64
	writeErrorsTotal      atomic.Int64

	// Row group write latency histogram buckets (microseconds)
	// Buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, +Inf
	rowGroupLatencyBuckets [10]atomic.Int64
	rowGroupLatencySum     atomic.Int64
	rowGroupLatencyCount   atomic.Int64

	// Publish metrics
	publishTotal       atomic.Int64
	publishBytesTotal  atomic.Int64
	publishErrorsTotal atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// New returns an independent metrics instance
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
		logger:    zerolog.Nop(),
	}
}

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// Init initializes the singleton with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

// Input Metrics
func (m *Metrics) IncLinesRead(count int64)     { m.linesReadTotal.Add(count) }
func (m *Metrics) IncInputBytes(bytes int64)    { m.inputBytesTotal.Add(bytes) }
func (m *Metrics) IncEntriesParsed(count int64) { m.entriesParsedTotal.Add(count) }
func (m *Metrics) IncParseErrors()              { m.parseErrorsTotal.Add(1) }
func (m *Metrics) IncUTF8Replaced(count int64)  { m.utf8ReplacedTotal.Add(count) }

// Writer Metrics
func (m *Metrics) IncBatchesBuilt()             { m.batchesBuiltTotal.Add(1) }
func (m *Metrics) IncRowGroupsWritten()         { m.rowGroupsWrittenTotal.Add(1) }
func (m *Metrics) IncRowsWritten(count int64)   { m.rowsWrittenTotal.Add(count) }
func (m *Metrics) IncBytesWritten(bytes int64)  { m.bytesWrittenTotal.Add(bytes) }
func (m *Metrics) IncWriteErrors()              { m.writeErrorsTotal.Add(1) }

// Publish Metrics
func (m *Metrics) IncPublish()                  { m.publishTotal.Add(1) }
func (m *Metrics) IncPublishBytes(bytes int64)  { m.publishBytesTotal.Add(bytes) }
func (m *Metrics) IncPublishErrors()            { m.publishErrorsTotal.Add(1) }

// RecordRowGroupLatency records the time spent encoding one row group, in microseconds
func (m *Metrics) RecordRowGroupLatency(durationMicros int64) {
	m.rowGroupLatencySum.Add(durationMicros)
	m.rowGroupLatencyCount.Add(1)
	m.rowGroupLatencyBuckets[latencyBucket(durationMicros)].Add(1)
}

func latencyBucket(micros int64) int {
	// Buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, +Inf
	bounds := [...]int64{1000, 5000, 10000, 25000, 50000, 100000, 250000, 500000, 1000000}
	for i, bound := range bounds {
		if micros <= bound {
			return i
		}
	}
	return len(bounds)
}

// Snapshot returns the current counter values
func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds":           time.Since(m.startTime).Seconds(),
		"lines_read_total":         m.linesReadTotal.Load(),
		"input_bytes_total":        m.inputBytesTotal.Load(),
		"entries_parsed_total":     m.entriesParsedTotal.Load(),
		"parse_errors_total":       m.parseErrorsTotal.Load(),
		"utf8_replaced_total":      m.utf8ReplacedTotal.Load(),
		"batches_built_total":      m.batchesBuiltTotal.Load(),
		"row_groups_written_total": m.rowGroupsWrittenTotal.Load(),
		"rows_written_total":       m.rowsWrittenTotal.Load(),
		"bytes_written_total":      m.bytesWrittenTotal.Load(),
		"write_errors_total":       m.writeErrorsTotal.Load(),
		"publish_total":            m.publishTotal.Load(),
		"publish_bytes_total":      m.publishBytesTotal.Load(),
		"publish_errors_total":     m.publishErrorsTotal.Load(),
	}
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var b []byte
	b = appendGauge(b, "ix2parquet_uptime_seconds", "Time since the conversion started", time.Since(m.startTime).Seconds())
	b = appendGauge(b, "ix2parquet_memory_heap_alloc_bytes", "Heap memory allocated", float64(memStats.HeapAlloc))
	b = appendGauge(b, "ix2parquet_memory_sys_bytes", "Total memory obtained from system", float64(memStats.Sys))

	b = appendCounter(b, "ix2parquet_lines_read_total", "Input lines read", m.linesReadTotal.Load())
	b = appendCounter(b, "ix2parquet_input_bytes_total", "Input bytes read after decompression", m.inputBytesTotal.Load())
	b = appendCounter(b, "ix2parquet_entries_parsed_total", "Index entries parsed", m.entriesParsedTotal.Load())
	b = appendCounter(b, "ix2parquet_parse_errors_total", "Lines that failed to parse", m.parseErrorsTotal.Load())
	b = appendCounter(b, "ix2parquet_utf8_replaced_total", "Lines with invalid UTF-8 replaced", m.utf8ReplacedTotal.Load())
	b = appendCounter(b, "ix2parquet_batches_built_total", "Record batches assembled", m.batchesBuiltTotal.Load())
	b = appendCounter(b, "ix2parquet_row_groups_written_total", "Parquet row groups written", m.rowGroupsWrittenTotal.Load())
	b = appendCounter(b, "ix2parquet_rows_written_total", "Rows written to Parquet", m.rowsWrittenTotal.Load())
	b = appendCounter(b, "ix2parquet_bytes_written_total", "Parquet bytes written", m.bytesWrittenTotal.Load())
	b = appendCounter(b, "ix2parquet_write_errors_total", "Parquet write failures", m.writeErrorsTotal.Load())
	b = appendCounter(b, "ix2parquet_publish_total", "Files published to storage", m.publishTotal.Load())
	b = appendCounter(b, "ix2parquet_publish_bytes_total", "Bytes published to storage", m.publishBytesTotal.Load())
	b = appendCounter(b, "ix2parquet_publish_errors_total", "Failed publish attempts", m.publishErrorsTotal.Load())

	// Row group latency histogram
	b = append(b, "# HELP ix2parquet_row_group_write_seconds Row group encode and write latency\n"...)
	b = append(b, "# TYPE ix2parquet_row_group_write_seconds histogram\n"...)
	bucketLabels := []string{"0.001", "0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "1", "+Inf"}
	var cumulative int64
	for i, label := range bucketLabels {
		cumulative += m.rowGroupLatencyBuckets[i].Load()
		b = appendMetricWithLabel(b, "ix2parquet_row_group_write_seconds_bucket", "le", label, float64(cumulative))
	}
	b = appendMetric(b, "ix2parquet_row_group_write_seconds_sum", float64(m.rowGroupLatencySum.Load())/1000000.0)
	b = appendMetric(b, "ix2parquet_row_group_write_seconds_count", float64(m.rowGroupLatencyCount.Load()))

	return string(b)
}

// WriteTextfile writes PrometheusFormat to path for the node_exporter textfile
// collector. The file is replaced atomically so the collector never reads a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ix2parquet-metrics-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create metrics temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, writeErr := tmp.WriteString(m.PrometheusFormat())
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write metrics: %w", writeErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close metrics file: %w", closeErr)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod metrics file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename metrics file: %w", err)
	}

	m.logger.Debug().Str("path", path).Msg("Wrote metrics textfile")
	return nil
}

// Helper functions for Prometheus format
func appendGauge(b []byte, name, help string, value float64) []byte {
	b = append(b, "# HELP "+name+" "+help+"\n"...)
	b = append(b, "# TYPE "+name+" gauge\n"...)
	return appendMetric(b, name, value)
}

func appendCounter(b []byte, name, help string, value int64) []byte {
	b = append(b, "# HELP "+name+" "+help+"\n"...)
	b = append(b, "# TYPE "+name+" counter\n"...)
	return appendMetric(b, name, float64(value))
}

func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	b = append(b, '\n')
	return b
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = strconv.AppendFloat(b, value, 'g', -1, 64)
	b = append(b, '\n')
	return b
}
