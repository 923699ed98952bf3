// Package metrics implements the ambient /metrics surface: pipeline
// throughput counters, State Cache/Storage Writer gauges, and process
// stats, plus a Prometheus text exporter and a fiber request-timing
// middleware (spec §10 ambient stack).
package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Metrics is the process-wide counter/gauge set.
type Metrics struct {
	// Pipeline throughput
	MessagesIngested   int64 `json:"messages_ingested"`
	MessagesParsed     int64 `json:"messages_parsed"`
	ParseFailures      int64 `json:"parse_failures"`
	SUOsEmitted        int64 `json:"suos_emitted"`
	CommandsSent       int64 `json:"commands_sent"`
	CommandFailures    int64 `json:"command_failures"`

	// Storage Writer
	StorageRowsWritten   int64 `json:"storage_rows_written"`
	StorageFlushFailures int64 `json:"storage_flush_failures"`

	// State Cache gauges
	CacheTelemetryEntries int64 `json:"cache_telemetry_entries"`
	CacheMetadataEntries  int64 `json:"cache_metadata_entries"`

	// System
	Uptime         int64  `json:"uptime_seconds"`
	MemoryUsed     uint64 `json:"memory_used_bytes"`
	MemoryTotal    uint64 `json:"memory_total_bytes"`
	GoroutineCount int    `json:"goroutine_count"`

	// API (httpapi server's own request metrics)
	TotalRequests   int64   `json:"total_requests"`
	TotalErrors     int64   `json:"total_errors"`
	AvgResponseTime float64 `json:"avg_response_time_ms"`

	mu        sync.RWMutex
	startTime time.Time
}

// New creates an empty, timestamped Metrics.
func New() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) IncrementIngested() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesIngested++
}

func (m *Metrics) IncrementParsed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesParsed++
}

func (m *Metrics) IncrementParseFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ParseFailures++
}

func (m *Metrics) IncrementSUOsEmitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SUOsEmitted++
}

func (m *Metrics) IncrementCommandsSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandsSent++
}

func (m *Metrics) IncrementCommandFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandFailures++
}

// AddStorageRowsWritten adds n rows to the running total, for use
// after a batch flush.
func (m *Metrics) AddStorageRowsWritten(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StorageRowsWritten += n
}

func (m *Metrics) IncrementStorageFlushFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StorageFlushFailures++
}

// SetCacheSize records the State Cache's current entry counts.
func (m *Metrics) SetCacheSize(telemetry, metadata int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CacheTelemetryEntries = int64(telemetry)
	m.CacheMetadataEntries = int64(metadata)
}

func (m *Metrics) IncrementRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
}

func (m *Metrics) IncrementErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalErrors++
}

// RecordResponseTime folds one request's latency into an exponential
// moving average.
func (m *Metrics) RecordResponseTime(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms := float64(duration.Milliseconds())
	if m.AvgResponseTime == 0 {
		m.AvgResponseTime = ms
	} else {
		m.AvgResponseTime = (m.AvgResponseTime * 0.9) + (ms * 0.1)
	}
}

// UpdateSystemMetrics refreshes uptime, memory, and goroutine stats.
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Uptime = int64(time.Since(m.startTime).Seconds())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.MemoryUsed = memStats.Alloc
	m.MemoryTotal = memStats.Sys

	m.GoroutineCount = runtime.NumGoroutine()
}

// Snapshot returns the current metrics as a JSON-ready map.
func (m *Metrics) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"pipeline": map[string]interface{}{
			"messages_ingested": m.MessagesIngested,
			"messages_parsed":   m.MessagesParsed,
			"parse_failures":    m.ParseFailures,
			"suos_emitted":      m.SUOsEmitted,
			"commands_sent":     m.CommandsSent,
			"command_failures":  m.CommandFailures,
		},
		"storage": map[string]interface{}{
			"rows_written":   m.StorageRowsWritten,
			"flush_failures": m.StorageFlushFailures,
		},
		"cache": map[string]interface{}{
			"telemetry_entries": m.CacheTelemetryEntries,
			"metadata_entries":  m.CacheMetadataEntries,
		},
		"system": map[string]interface{}{
			"uptime_seconds":     m.Uptime,
			"memory_used_bytes":  m.MemoryUsed,
			"memory_total_bytes": m.MemoryTotal,
			"memory_used_mb":     m.MemoryUsed / 1024 / 1024,
			"goroutines":         m.GoroutineCount,
		},
		"api": map[string]interface{}{
			"total_requests":       m.TotalRequests,
			"total_errors":         m.TotalErrors,
			"avg_response_time_ms": m.AvgResponseTime,
			"error_rate": func() float64 {
				if m.TotalRequests == 0 {
					return 0.0
				}
				return float64(m.TotalErrors) / float64(m.TotalRequests) * 100
			}(),
		},
	}
}

// PrometheusFormat renders the metrics in Prometheus text exposition
// format.
func (m *Metrics) PrometheusFormat() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return `# HELP iotmw_messages_ingested_total Total messages received from the broker
# TYPE iotmw_messages_ingested_total counter
iotmw_messages_ingested_total ` + formatInt64(m.MessagesIngested) + `

# HELP iotmw_messages_parsed_total Total messages successfully parsed to SIF
# TYPE iotmw_messages_parsed_total counter
iotmw_messages_parsed_total ` + formatInt64(m.MessagesParsed) + `

# HELP iotmw_parse_failures_total Total parse failures
# TYPE iotmw_parse_failures_total counter
iotmw_parse_failures_total ` + formatInt64(m.ParseFailures) + `

# HELP iotmw_suos_emitted_total Total SUO events emitted by the normalizer
# TYPE iotmw_suos_emitted_total counter
iotmw_suos_emitted_total ` + formatInt64(m.SUOsEmitted) + `

# HELP iotmw_commands_sent_total Total outbound commands published
# TYPE iotmw_commands_sent_total counter
iotmw_commands_sent_total ` + formatInt64(m.CommandsSent) + `

# HELP iotmw_storage_rows_written_total Total rows written by the storage writer
# TYPE iotmw_storage_rows_written_total counter
iotmw_storage_rows_written_total ` + formatInt64(m.StorageRowsWritten) + `

# HELP iotmw_storage_flush_failures_total Total failed batch flushes
# TYPE iotmw_storage_flush_failures_total counter
iotmw_storage_flush_failures_total ` + formatInt64(m.StorageFlushFailures) + `

# HELP iotmw_cache_telemetry_entries Current telemetry entries in the state cache
# TYPE iotmw_cache_telemetry_entries gauge
iotmw_cache_telemetry_entries ` + formatInt64(m.CacheTelemetryEntries) + `

# HELP iotmw_cache_metadata_entries Current metadata entries in the state cache
# TYPE iotmw_cache_metadata_entries gauge
iotmw_cache_metadata_entries ` + formatInt64(m.CacheMetadataEntries) + `

# HELP iotmw_uptime_seconds Process uptime in seconds
# TYPE iotmw_uptime_seconds gauge
iotmw_uptime_seconds ` + formatInt64(m.Uptime) + `

# HELP iotmw_memory_used_bytes Memory used in bytes
# TYPE iotmw_memory_used_bytes gauge
iotmw_memory_used_bytes ` + formatUint64(m.MemoryUsed) + `

# HELP iotmw_goroutines Number of goroutines
# TYPE iotmw_goroutines gauge
iotmw_goroutines ` + formatInt(m.GoroutineCount) + `

# HELP iotmw_api_requests_total Total number of API requests
# TYPE iotmw_api_requests_total counter
iotmw_api_requests_total ` + formatInt64(m.TotalRequests) + `

# HELP iotmw_api_errors_total Total number of API errors
# TYPE iotmw_api_errors_total counter
iotmw_api_errors_total ` + formatInt64(m.TotalErrors) + `

# HELP iotmw_api_response_time_ms Average API response time in milliseconds
# TYPE iotmw_api_response_time_ms gauge
iotmw_api_response_time_ms ` + formatFloat64(m.AvgResponseTime) + `
`
}

// Middleware records request count, error count, and response latency
// for every request the httpapi server handles.
func Middleware(m *Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		m.IncrementRequests()

		err := c.Next()

		m.RecordResponseTime(time.Since(start))
		if c.Response().StatusCode() >= 400 {
			m.IncrementErrors()
		}
		return err
	}
}

func formatInt64(n int64) string   { return fmt.Sprintf("%d", n) }
func formatUint64(n uint64) string { return fmt.Sprintf("%d", n) }
func formatInt(n int) string       { return fmt.Sprintf("%d", n) }
func formatFloat64(n float64) string { return fmt.Sprintf("%.2f", n) }
