package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New returned nil")
	}
	if m.startTime.IsZero() {
		t.Error("start time not set")
	}
}

func TestIncrementIngested(t *testing.T) {
	m := New()
	m.IncrementIngested()
	m.IncrementIngested()
	if m.MessagesIngested != 2 {
		t.Errorf("expected MessagesIngested to be 2, got %d", m.MessagesIngested)
	}
}

func TestIncrementParsedAndFailures(t *testing.T) {
	m := New()
	m.IncrementParsed()
	m.IncrementParseFailures()
	m.IncrementParseFailures()

	if m.MessagesParsed != 1 {
		t.Errorf("expected MessagesParsed to be 1, got %d", m.MessagesParsed)
	}
	if m.ParseFailures != 2 {
		t.Errorf("expected ParseFailures to be 2, got %d", m.ParseFailures)
	}
}

func TestIncrementSUOsEmitted(t *testing.T) {
	m := New()
	m.IncrementSUOsEmitted()
	if m.SUOsEmitted != 1 {
		t.Errorf("expected SUOsEmitted to be 1, got %d", m.SUOsEmitted)
	}
}

func TestCommandCounters(t *testing.T) {
	m := New()
	m.IncrementCommandsSent()
	m.IncrementCommandsSent()
	m.IncrementCommandFailures()

	if m.CommandsSent != 2 {
		t.Errorf("expected CommandsSent to be 2, got %d", m.CommandsSent)
	}
	if m.CommandFailures != 1 {
		t.Errorf("expected CommandFailures to be 1, got %d", m.CommandFailures)
	}
}

func TestAddStorageRowsWritten(t *testing.T) {
	m := New()
	m.AddStorageRowsWritten(10)
	m.AddStorageRowsWritten(5)

	if m.StorageRowsWritten != 15 {
		t.Errorf("expected StorageRowsWritten to be 15, got %d", m.StorageRowsWritten)
	}
}

func TestIncrementStorageFlushFailures(t *testing.T) {
	m := New()
	m.IncrementStorageFlushFailures()
	if m.StorageFlushFailures != 1 {
		t.Errorf("expected StorageFlushFailures to be 1, got %d", m.StorageFlushFailures)
	}
}

func TestSetCacheSize(t *testing.T) {
	m := New()
	m.SetCacheSize(42, 7)

	if m.CacheTelemetryEntries != 42 {
		t.Errorf("expected CacheTelemetryEntries to be 42, got %d", m.CacheTelemetryEntries)
	}
	if m.CacheMetadataEntries != 7 {
		t.Errorf("expected CacheMetadataEntries to be 7, got %d", m.CacheMetadataEntries)
	}
}

func TestRecordResponseTime(t *testing.T) {
	m := New()

	m.RecordResponseTime(100 * time.Millisecond)
	if m.AvgResponseTime == 0 {
		t.Error("expected AvgResponseTime to be set")
	}

	first := m.AvgResponseTime
	m.RecordResponseTime(200 * time.Millisecond)
	if m.AvgResponseTime == first {
		t.Error("expected AvgResponseTime to change")
	}
}

func TestUpdateSystemMetrics(t *testing.T) {
	m := New()
	m.startTime = time.Now().Add(-2 * time.Second)

	m.UpdateSystemMetrics()

	if m.Uptime == 0 {
		t.Error("expected Uptime to be greater than 0")
	}
	if m.MemoryUsed == 0 {
		t.Error("expected MemoryUsed to be greater than 0")
	}
	if m.GoroutineCount == 0 {
		t.Error("expected GoroutineCount to be greater than 0")
	}
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.IncrementIngested()
	m.IncrementParsed()
	m.SetCacheSize(3, 2)

	snap := m.Snapshot()
	if snap == nil {
		t.Fatal("Snapshot returned nil")
	}

	pipeline, ok := snap["pipeline"].(map[string]interface{})
	if !ok {
		t.Fatal("pipeline group not found in snapshot")
	}
	if pipeline["messages_ingested"] != int64(1) {
		t.Errorf("expected pipeline.messages_ingested to be 1, got %v", pipeline["messages_ingested"])
	}

	cacheGroup, ok := snap["cache"].(map[string]interface{})
	if !ok {
		t.Fatal("cache group not found in snapshot")
	}
	if cacheGroup["telemetry_entries"] != int64(3) {
		t.Errorf("expected cache.telemetry_entries to be 3, got %v", cacheGroup["telemetry_entries"])
	}
}

func TestSnapshot_ErrorRateZeroRequests(t *testing.T) {
	m := New()
	snap := m.Snapshot()
	api := snap["api"].(map[string]interface{})
	if api["error_rate"] != 0.0 {
		t.Errorf("expected error_rate to be 0 with no requests, got %v", api["error_rate"])
	}
}

func TestPrometheusFormat(t *testing.T) {
	m := New()
	m.IncrementIngested()
	m.IncrementParsed()

	out := m.PrometheusFormat()
	if out == "" {
		t.Error("PrometheusFormat returned empty string")
	}

	for _, want := range []string{
		"iotmw_messages_ingested_total",
		"iotmw_messages_parsed_total",
		"iotmw_storage_rows_written_total",
		"iotmw_cache_telemetry_entries",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in Prometheus output", want)
		}
	}

	if strings.Contains(out, "edgeflow_") {
		t.Error("Prometheus output should not carry the old edgeflow_ prefix")
	}
}

func BenchmarkIncrementIngested(b *testing.B) {
	m := New()
	for i := 0; i < b.N; i++ {
		m.IncrementIngested()
	}
}

func BenchmarkRecordResponseTime(b *testing.B) {
	m := New()
	for i := 0; i < b.N; i++ {
		m.RecordResponseTime(100 * time.Millisecond)
	}
}

func BenchmarkSnapshot(b *testing.B) {
	m := New()
	m.IncrementIngested()
	m.IncrementParsed()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Snapshot()
	}
}
