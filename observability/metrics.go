// Package observability records plugmon's own metrics and operator events in
// a SQLite database kept apart from the evidence store.
//
// Persistence is asynchronous: metrics are buffered and flushed in batches,
// events are written best effort. A failing metrics database is logged and
// never blocks probes or HTTP handlers.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric names recorded by plugmon.
const (
	// MetricProbeObservation counts stored observations, labelled by kind
	// and state.
	MetricProbeObservation = "probe.observation"
	// MetricProbeError counts probe failures other than unavailability.
	MetricProbeError = "probe.error"
	// MetricScanDurationMs is the duration of one scan batch.
	MetricScanDurationMs = "scan.duration_ms"
	// MetricScanItems is the number of content items read by one batch.
	MetricScanItems = "scan.items"
	// MetricDOMReport counts accepted client DOM reports.
	MetricDOMReport = "report.dom"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "count", "milliseconds", ...
}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
// A nil *MetricsManager discards everything, so callers need no guard.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []*Metric
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewMetricsManager creates a manager and starts its flush loop.
// Defaults: bufferSize 100, flushInterval 5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a metric. A full buffer is flushed inline.
func (mm *MetricsManager) Record(m *Metric) {
	if mm == nil {
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// Count records a value of 1 with the given labels as key/value pairs.
func (mm *MetricsManager) Count(name string, kv ...string) {
	mm.Observe(name, 1, "count", kv...)
}

// Observe records value with the given labels as key/value pairs.
func (mm *MetricsManager) Observe(name string, value float64, unit string, kv ...string) {
	if mm == nil {
		return
	}
	var labels map[string]string
	if len(kv) > 1 {
		labels = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			labels[kv[i]] = kv[i+1]
		}
	}
	mm.Record(&Metric{Name: name, Value: value, Unit: unit, Labels: labels})
}

// Query retrieves metrics filtered by name, time range and limit.
// Empty name means all metrics; nil times are unbounded.
func (mm *MetricsManager) Query(ctx context.Context, name string, start, end *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	args := make([]any, 0, 4)

	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if start != nil {
		q += " AND timestamp >= ?"
		args = append(args, start.UnixMilli())
	}
	if end != nil {
		q += " AND timestamp <= ?"
		args = append(args, end.UnixMilli())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var name string
		var unit, labelsJSON sql.NullString
		var ts int64
		var value float64
		if err := rows.Scan(&name, &ts, &value, &labelsJSON, &unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m := &Metric{Name: name, Timestamp: time.UnixMilli(ts), Value: value, Unit: unit.String}
		if labelsJSON.Valid {
			var labels map[string]string
			if json.Unmarshal([]byte(labelsJSON.String), &labels) == nil {
				m.Labels = labels
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cleanup deletes metrics older than retention and returns the count removed.
func (mm *MetricsManager) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := mm.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Flush writes the buffered metrics now.
func (mm *MetricsManager) Flush() {
	if mm == nil {
		return
	}
	mm.mu.Lock()
	mm.flushLocked()
	mm.mu.Unlock()
}

// Close flushes remaining metrics and stops the flush loop. It is safe to
// call more than once.
func (mm *MetricsManager) Close() error {
	if mm == nil {
		return nil
	}
	mm.once.Do(func() { close(mm.stop) })
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("observability: metrics begin tx", "error", err)
		return
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("observability: metrics prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range mm.buffer {
		var labelsJSON sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labelsJSON = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labelsJSON, m.Unit); err != nil {
			slog.Error("observability: metrics insert", "error", err, "metric", m.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("observability: metrics commit", "error", err)
	}
	mm.buffer = mm.buffer[:0]
}
