package metrics

import (
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/elf/internal/elf"
	"github.com/rs/zerolog"
)

// Metrics holds process-wide counters for Prometheus export
type Metrics struct {
	startTime time.Time

	// HTTP request metrics
	httpRequestsTotal   atomic.Int64
	httpRequestsSuccess atomic.Int64
	httpRequestsError   atomic.Int64

	// HTTP latency histogram buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, +Inf
	httpLatencyBuckets [10]atomic.Int64
	httpLatencySum     atomic.Int64 // microseconds
	httpLatencyCount   atomic.Int64

	// Parser metrics
	parseSessionsTotal    atomic.Int64
	parseLinesTotal       atomic.Int64
	parseRecordsTotal     atomic.Int64
	parseBytesTotal       atomic.Int64
	parseSchemaErrors     atomic.Int64
	parseLineErrors       atomic.Int64
	parseConversionErrors atomic.Int64
	parseSourceErrors     atomic.Int64

	// Export metrics
	exportRecordsTotal atomic.Int64
	exportFilesTotal   atomic.Int64
	exportErrorsTotal  atomic.Int64

	// Conversion jobs
	convertJobsTotal   atomic.Int64
	convertJobsSuccess atomic.Int64
	convertJobsFailed  atomic.Int64

	// Auth metrics
	authFailuresTotal atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New creates an independent collector; tests use it to avoid shared state
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Init attaches a logger to the singleton
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

// HTTP Metrics
func (m *Metrics) IncHTTPRequests() { m.httpRequestsTotal.Add(1) }
func (m *Metrics) IncHTTPSuccess()  { m.httpRequestsSuccess.Add(1) }
func (m *Metrics) IncHTTPError()    { m.httpRequestsError.Add(1) }

// RecordHTTPLatency records HTTP request latency in microseconds
func (m *Metrics) RecordHTTPLatency(durationMicros int64) {
	m.httpLatencySum.Add(durationMicros)
	m.httpLatencyCount.Add(1)
	m.httpLatencyBuckets[latencyBucket(durationMicros)].Add(1)
}

var latencyBounds = [...]int64{1000, 5000, 10000, 25000, 50000, 100000, 250000, 500000, 1000000}

func latencyBucket(micros int64) int {
	for i, bound := range latencyBounds {
		if micros <= bound {
			return i
		}
	}
	return len(latencyBounds)
}

// Parser metrics
func (m *Metrics) IncParseSessions()            { m.parseSessionsTotal.Add(1) }
func (m *Metrics) IncParseLines(count int64)    { m.parseLinesTotal.Add(count) }
func (m *Metrics) IncParseRecords(count int64)  { m.parseRecordsTotal.Add(count) }
func (m *Metrics) IncParseBytes(bytes int64)    { m.parseBytesTotal.Add(bytes) }
func (m *Metrics) IncParseSchemaErrors()        { m.parseSchemaErrors.Add(1) }
func (m *Metrics) IncParseLineErrors()          { m.parseLineErrors.Add(1) }
func (m *Metrics) IncParseConversionErrors()    { m.parseConversionErrors.Add(1) }
func (m *Metrics) IncParseSourceErrors()        { m.parseSourceErrors.Add(1) }
func (m *Metrics) IncExportRecords(count int64) { m.exportRecordsTotal.Add(count) }
func (m *Metrics) IncExportFiles()              { m.exportFilesTotal.Add(1) }
func (m *Metrics) IncExportErrors()             { m.exportErrorsTotal.Add(1) }
func (m *Metrics) IncConvertJobs()              { m.convertJobsTotal.Add(1) }
func (m *Metrics) IncConvertSuccess()           { m.convertJobsSuccess.Add(1) }
func (m *Metrics) IncConvertFailed()            { m.convertJobsFailed.Add(1) }
func (m *Metrics) IncAuthFailures()             { m.authFailuresTotal.Add(1) }

// IncParseError counts err under the parse error kind it belongs to.
// Errors that are not parse errors are ignored.
func (m *Metrics) IncParseError(err error) {
	var (
		schemaErr *elf.SchemaError
		shapeErr  *elf.LineShapeError
		convErr   *elf.FieldConversionError
		srcErr    *elf.SourceError
	)
	switch {
	case errors.As(err, &schemaErr):
		m.IncParseSchemaErrors()
	case errors.As(err, &shapeErr):
		m.IncParseLineErrors()
	case errors.As(err, &convErr):
		m.IncParseConversionErrors()
	case errors.As(err, &srcErr):
		m.IncParseSourceErrors()
	}
}

// counter describes one exported series
type counter struct {
	name  string
	help  string
	kind  string
	value func(m *Metrics) int64
}

var counters = []counter{
	{"http_requests_total", "Total HTTP requests", "counter", func(m *Metrics) int64 { return m.httpRequestsTotal.Load() }},
	{"http_requests_success_total", "Successful HTTP requests", "counter", func(m *Metrics) int64 { return m.httpRequestsSuccess.Load() }},
	{"http_requests_error_total", "Failed HTTP requests", "counter", func(m *Metrics) int64 { return m.httpRequestsError.Load() }},
	{"parse_sessions_total", "Parse sessions opened", "counter", func(m *Metrics) int64 { return m.parseSessionsTotal.Load() }},
	{"parse_lines_total", "Lines consumed, header included", "counter", func(m *Metrics) int64 { return m.parseLinesTotal.Load() }},
	{"parse_records_total", "Records produced", "counter", func(m *Metrics) int64 { return m.parseRecordsTotal.Load() }},
	{"parse_bytes_total", "Compressed bytes read from sources", "counter", func(m *Metrics) int64 { return m.parseBytesTotal.Load() }},
	{"parse_schema_errors_total", "Headers rejected (no or duplicate fields)", "counter", func(m *Metrics) int64 { return m.parseSchemaErrors.Load() }},
	{"parse_line_errors_total", "Lines with more tokens than fields", "counter", func(m *Metrics) int64 { return m.parseLineErrors.Load() }},
	{"parse_conversion_errors_total", "Values that failed type conversion", "counter", func(m *Metrics) int64 { return m.parseConversionErrors.Load() }},
	{"parse_source_errors_total", "Read failures from line sources", "counter", func(m *Metrics) int64 { return m.parseSourceErrors.Load() }},
	{"export_records_total", "Records written by exporters", "counter", func(m *Metrics) int64 { return m.exportRecordsTotal.Load() }},
	{"export_files_total", "Exports completed", "counter", func(m *Metrics) int64 { return m.exportFilesTotal.Load() }},
	{"export_errors_total", "Exporter failures", "counter", func(m *Metrics) int64 { return m.exportErrorsTotal.Load() }},
	{"convert_jobs_total", "Conversion jobs started", "counter", func(m *Metrics) int64 { return m.convertJobsTotal.Load() }},
	{"convert_jobs_success_total", "Conversion jobs that finished", "counter", func(m *Metrics) int64 { return m.convertJobsSuccess.Load() }},
	{"convert_jobs_failed_total", "Conversion jobs that failed", "counter", func(m *Metrics) int64 { return m.convertJobsFailed.Load() }},
	{"auth_failures_total", "Rejected bearer tokens", "counter", func(m *Metrics) int64 { return m.authFailuresTotal.Load() }},
}

// Snapshot returns the current values keyed by series name
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	out := map[string]interface{}{
		"uptime_seconds":          time.Since(m.startTime).Seconds(),
		"goroutines":              runtime.NumGoroutine(),
		"go_version":              runtime.Version(),
		"memory_alloc_bytes":      memStats.Alloc,
		"memory_heap_alloc_bytes": memStats.HeapAlloc,
		"gc_cycles":               memStats.NumGC,
		"http_latency_sum_us":     m.httpLatencySum.Load(),
		"http_latency_count":      m.httpLatencyCount.Load(),
	}
	for _, c := range counters {
		out[c.name] = c.value(m)
	}
	return out
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var b []byte
	b = appendHeader(b, "elf_uptime_seconds", "Time since the process started", "gauge")
	b = appendMetric(b, "elf_uptime_seconds", time.Since(m.startTime).Seconds())

	b = appendHeader(b, "elf_goroutines", "Number of goroutines", "gauge")
	b = appendMetric(b, "elf_goroutines", float64(runtime.NumGoroutine()))

	b = appendHeader(b, "elf_memory_alloc_bytes", "Current allocated memory", "gauge")
	b = appendMetric(b, "elf_memory_alloc_bytes", float64(memStats.Alloc))

	for _, c := range counters {
		name := "elf_" + c.name
		b = appendHeader(b, name, c.help, c.kind)
		b = appendMetric(b, name, float64(c.value(m)))
	}

	b = appendHeader(b, "elf_http_latency_seconds", "HTTP request latency", "histogram")
	bucketLabels := []string{"0.001", "0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "1", "+Inf"}
	var cumulative int64
	for i, label := range bucketLabels {
		cumulative += m.httpLatencyBuckets[i].Load()
		b = appendMetricWithLabel(b, "elf_http_latency_seconds_bucket", "le", label, float64(cumulative))
	}
	b = appendMetric(b, "elf_http_latency_seconds_sum", float64(m.httpLatencySum.Load())/1e6)
	b = appendMetric(b, "elf_http_latency_seconds_count", float64(m.httpLatencyCount.Load()))

	return string(b)
}

func appendHeader(b []byte, name, help, kind string) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, kind...)
	return append(b, '\n')
}

func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	return append(b, '\n')
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = append(b, labelName...)
	b = append(b, '=', '"')
	b = append(b, labelValue...)
	b = append(b, '"', '}', ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	return append(b, '\n')
}
