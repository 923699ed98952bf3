// Package storage implements the Storage Writer: it subscribes to
// data.normalized, batches SUOs by table, pivots telemetry kinds, and
// flushes on size/interval/shutdown (spec §4.6).
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/bus"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/logger"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/metrics"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/pipelineerr"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/sif"
	"github.com/dalelaibeyond/iot-middleware-pro-sub002/internal/suo"
	"go.uber.org/zap"
)

// Options configures the Writer's batching behavior (spec §6, config
// keys under storage.*).
type Options struct {
	BatchSize           int
	FlushInterval        time.Duration
	Filters              map[sif.MessageType]bool // empty/nil allows all
	MaxBufferedPerTable  int
	MaxFlushRetries      int
}

// DefaultOptions mirrors internal/config's setDefaults values.
func DefaultOptions() Options {
	return Options{
		BatchSize:           100,
		FlushInterval:       time.Second,
		MaxBufferedPerTable: 5000,
		MaxFlushRetries:     3,
	}
}

// Writer is the Storage Writer. One Writer instance owns every
// per-table buffer and the shared flush-interval timer.
type Writer struct {
	db      *sqlx.DB
	opts    Options
	bus     *bus.Bus
	metrics *metrics.Metrics
	log     *zap.Logger
	influx  *InfluxSink // optional secondary sink, nil if unconfigured

	mu      sync.Mutex
	buffers map[string][]interface{}
	retries map[string]int

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open connects to the configured relational backend. client is
// "mysql" or "sqlite3"; dsn is the connection string.
func Open(client, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(client, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", client, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", client, err)
	}
	return db, nil
}

// New builds a Writer bound to an already-open database handle.
func New(db *sqlx.DB, opts Options, b *bus.Bus, m *metrics.Metrics, influx *InfluxSink) *Writer {
	return &Writer{
		db:      db,
		opts:    opts,
		bus:     b,
		metrics: m,
		log:     logger.WithComponent("storage"),
		influx:  influx,
		buffers: make(map[string][]interface{}),
		retries: make(map[string]int),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start subscribes to data.normalized and begins the flush-interval
// ticker. Call Shutdown to drain and stop.
func (w *Writer) Start() {
	w.bus.Subscribe(bus.TopicDataNormalized, w.handle)
	go w.flushLoop()
}

// Shutdown stops the ticker, performs a final flush of every buffer,
// and returns once it completes or ctx is done.
func (w *Writer) Shutdown(ctx context.Context) error {
	close(w.stopCh)

	select {
	case <-w.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	return w.flushAll()
}

func (w *Writer) flushLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.flushAll(); err != nil {
				w.log.Error("periodic flush failed", zap.Error(err))
			}
		}
	}
}

// handle is the bus.Handler for data.normalized. It never blocks on
// I/O: rows are appended to the in-memory per-table buffer, and the
// buffer's own size threshold triggers an out-of-band flush.
func (w *Writer) handle(msg interface{}) error {
	s, ok := msg.(*suo.SUO)
	if !ok || s == nil {
		return nil
	}

	if !w.allowed(s.MessageType) {
		return nil
	}

	table, rows, err := routeRow(s)
	if err != nil {
		w.log.Warn("unrouted message type dropped", zap.String("messageType", string(s.MessageType)), zap.Error(err))
		return nil
	}
	if table == "" || len(rows) == 0 {
		return nil
	}

	for _, row := range rows {
		w.appendRow(table, row)
	}

	if w.influx != nil && (s.MessageType == sif.TempHum || s.MessageType == sif.NoiseLevel) {
		w.influx.Write(s)
	}

	return nil
}

func (w *Writer) allowed(mt sif.MessageType) bool {
	if len(w.opts.Filters) == 0 {
		return true
	}
	return w.opts.Filters[mt]
}

func (w *Writer) appendRow(table string, row interface{}) {
	w.mu.Lock()
	w.buffers[table] = append(w.buffers[table], row)
	full := len(w.buffers[table]) >= w.opts.BatchSize
	overflow := len(w.buffers[table]) > w.opts.MaxBufferedPerTable
	if overflow {
		// keep only the most recent MaxBufferedPerTable rows
		excess := len(w.buffers[table]) - w.opts.MaxBufferedPerTable
		w.buffers[table] = w.buffers[table][excess:]
	}
	w.mu.Unlock()

	if full {
		go func() {
			if err := w.flushTable(table); err != nil {
				w.log.Error("size-triggered flush failed", zap.String("table", table), zap.Error(err))
			}
		}()
	}
}

// flushAll flushes every table with a non-empty buffer.
func (w *Writer) flushAll() error {
	w.mu.Lock()
	tables := make([]string, 0, len(w.buffers))
	for t, rows := range w.buffers {
		if len(rows) > 0 {
			tables = append(tables, t)
		}
	}
	w.mu.Unlock()

	var firstErr error
	for _, t := range tables {
		if err := w.flushTable(t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flushTable drains table's buffer and writes it as one multi-row
// insert/upsert. On failure, the buffer is retained (up to
// MaxFlushRetries) and the error is republished on TopicError, per
// the "keep last N rows per table" bounded-retry policy of spec §4.6.
func (w *Writer) flushTable(table string) error {
	w.mu.Lock()
	rows := w.buffers[table]
	w.buffers[table] = nil
	w.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	err := writeRows(w.db, table, rows)
	if err != nil {
		w.mu.Lock()
		w.retries[table]++
		retryCount := w.retries[table]
		if retryCount <= w.opts.MaxFlushRetries {
			w.buffers[table] = append(rows, w.buffers[table]...)
		} else {
			w.log.Error("dropping rows after exceeding max flush retries", zap.String("table", table), zap.Int("rows", len(rows)))
			w.retries[table] = 0
		}
		w.mu.Unlock()

		if w.metrics != nil {
			w.metrics.IncrementStorageFlushFailures()
		}
		w.bus.Publish(bus.TopicError, bus.ErrorEvent{
			Source:  "storage",
			Err:     pipelineerr.New(pipelineerr.StorageError, "flush failed", table, err),
			Context: map[string]interface{}{"table": table, "rows": len(rows)},
		})
		return err
	}

	w.mu.Lock()
	w.retries[table] = 0
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.AddStorageRowsWritten(int64(len(rows)))
	}
	return nil
}

// PendingRows reports the total number of buffered, not-yet-flushed
// rows across every table, for the ambient health check.
func (w *Writer) PendingRows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, rows := range w.buffers {
		total += len(rows)
	}
	return total
}

// Ping verifies the database connection is reachable.
func (w *Writer) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}
