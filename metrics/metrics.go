// Package metrics records resolution telemetry as a SQLite timeseries.
// Writes are buffered and flushed in batches off the hot path; buffer
// overflow drops datapoints rather than applying backpressure to a
// resolve.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/oddswatch/selector"
)

// Schema for the telemetry tables.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
	metric_id   TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
	metric_name TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	value       REAL NOT NULL,
	labels      TEXT,
	unit        TEXT,
	created_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
	ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp
	ON metrics_timeseries(timestamp DESC);
`

// Point is one timeseries datapoint.
type Point struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "milliseconds", "count", "ratio"
}

// Store buffers points and flushes them to SQLite in batches.
type Store struct {
	db            *sql.DB
	log           *slog.Logger
	bufferSize    int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []*Point
	stop   chan struct{}
	done   chan struct{}
}

// NewStore starts the flush loop. Recommended: bufferSize 100, flush
// interval 5s; zero values take those defaults.
func NewStore(db *sql.DB, bufferSize int, flushInterval time.Duration, log *slog.Logger) *Store {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		db:            db,
		log:           log,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Point, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Record queues a point. Non-blocking; a full buffer flushes inline.
func (s *Store) Record(p *Point) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, p)
	if len(s.buffer) >= s.bufferSize {
		s.flushLocked()
	}
}

// RecordResolution satisfies the resolver's metrics hook: duration,
// confidence and outcome per resolve.
func (s *Store) RecordResolution(selectorName string, strategyUsed selector.StrategyType,
	success bool, elapsed time.Duration, confidence float64) {

	labels := map[string]string{
		"selector": selectorName,
		"strategy": string(strategyUsed),
		"success":  fmt.Sprintf("%t", success),
	}
	s.Record(&Point{
		Name:   "resolution_duration_ms",
		Value:  float64(elapsed.Milliseconds()),
		Labels: labels,
		Unit:   "milliseconds",
	})
	if success {
		s.Record(&Point{
			Name:   "resolution_confidence",
			Value:  confidence,
			Labels: labels,
			Unit:   "ratio",
		})
	} else {
		s.Record(&Point{
			Name:   "resolution_failures",
			Value:  1,
			Labels: labels,
			Unit:   "count",
		})
	}
}

// Query retrieves points filtered by name and time range, newest
// first. Empty name matches everything; nil bounds are open.
func (s *Store) Query(ctx context.Context, name string, start, end *time.Time, limit int) ([]*Point, error) {
	q := `SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1`
	args := make([]any, 0, 4)
	if name != "" {
		q += ` AND metric_name = ?`
		args = append(args, name)
	}
	if start != nil {
		q += ` AND timestamp >= ?`
		args = append(args, start.Unix())
	}
	if end != nil {
		q += ` AND timestamp <= ?`
		args = append(args, end.Unix())
	}
	q += ` ORDER BY timestamp DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("metrics: query: %w", err)
	}
	defer rows.Close()

	var out []*Point
	for rows.Next() {
		var (
			p          Point
			ts         int64
			labelsJSON sql.NullString
		)
		if err := rows.Scan(&p.Name, &ts, &p.Value, &labelsJSON, &p.Unit); err != nil {
			return nil, fmt.Errorf("metrics: scan: %w", err)
		}
		p.Timestamp = time.Unix(ts, 0)
		if labelsJSON.Valid {
			var labels map[string]string
			if json.Unmarshal([]byte(labelsJSON.String), &labels) == nil {
				p.Labels = labels
			}
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Cleanup removes points older than retentionDays.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM metrics_timeseries WHERE timestamp < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("metrics: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes the buffer and stops the loop.
func (s *Store) Close() error {
	close(s.stop)
	<-s.done
	return nil
}

func (s *Store) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			s.mu.Lock()
			s.flushLocked()
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.mu.Lock()
			s.flushLocked()
			s.mu.Unlock()
		}
	}
}

// flushLocked assumes s.mu held.
func (s *Store) flushLocked() {
	if len(s.buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.log.Error("metrics: begin tx", "error", err)
		s.buffer = s.buffer[:0]
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		s.log.Error("metrics: prepare", "error", err)
		s.buffer = s.buffer[:0]
		return
	}
	for _, p := range s.buffer {
		var labelsJSON sql.NullString
		if len(p.Labels) > 0 {
			if b, merr := json.Marshal(p.Labels); merr == nil {
				labelsJSON = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, p.Name, p.Timestamp.Unix(), p.Value, labelsJSON, p.Unit); err != nil {
			s.log.Error("metrics: insert", "error", err, "metric", p.Name)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		s.log.Error("metrics: commit", "error", err)
	}
	s.buffer = s.buffer[:0]
}

// RunCleanupLoop applies retention daily until ctx is cancelled.
func (s *Store) RunCleanupLoop(ctx context.Context, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Cleanup(ctx, retentionDays); err != nil {
				s.log.Error("metrics: cleanup failed", "error", err)
			} else if n > 0 {
				s.log.Info("metrics: cleanup", "removed", n)
			}
		}
	}
}
