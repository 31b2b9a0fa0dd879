package snapshot

import (
	"context"
	"fmt"
	"os"
	"time"
)

// CleanupStats summarizes one cleanup pass.
type CleanupStats struct {
	AgedOut      int
	EvictedDebug int
	EvictedFail  int
	BytesFreed   int64
}

// Cleanup applies the retention policy: snapshots past MaxAge are
// removed, then while the blob directory exceeds MaxTotalBytes the
// least recently accessed debug snapshots are evicted first, and then
// failure snapshots beyond the KeepFailures floor.
func (s *Store) Cleanup(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats

	cutoff := time.Now().Add(-s.opts.MaxAge).Unix()
	aged, freed, err := s.removeWhere(ctx,
		`SELECT id, path, byte_size FROM snapshots WHERE created_at < ?`, cutoff)
	if err != nil {
		return stats, err
	}
	stats.AgedOut = aged
	stats.BytesFreed += freed

	total, err := s.totalBytes(ctx)
	if err != nil {
		return stats, err
	}

	// LRU eviction: debug first.
	for total > s.opts.MaxTotalBytes {
		n, freed, rerr := s.removeWhere(ctx, `
			SELECT id, path, byte_size FROM snapshots
			WHERE snapshot_type = ?
			ORDER BY last_access ASC LIMIT 10`, string(TypeDebug))
		if rerr != nil {
			return stats, rerr
		}
		if n == 0 {
			break
		}
		stats.EvictedDebug += n
		stats.BytesFreed += freed
		total -= freed
	}

	// Then failures past the keep floor.
	for total > s.opts.MaxTotalBytes {
		failures, cerr := s.Count(ctx, TypeFailure)
		if cerr != nil {
			return stats, cerr
		}
		excess := failures - s.opts.KeepFailures
		if excess <= 0 {
			break
		}
		if excess > 10 {
			excess = 10
		}
		n, freed, rerr := s.removeWhere(ctx, fmt.Sprintf(`
			SELECT id, path, byte_size FROM snapshots
			WHERE snapshot_type = ?
			ORDER BY last_access ASC LIMIT %d`, excess), string(TypeFailure))
		if rerr != nil {
			return stats, rerr
		}
		if n == 0 {
			break
		}
		stats.EvictedFail += n
		stats.BytesFreed += freed
		total -= freed
	}

	if stats.AgedOut+stats.EvictedDebug+stats.EvictedFail > 0 {
		s.opts.Logger.Info("snapshot: cleanup",
			"aged_out", stats.AgedOut,
			"evicted_debug", stats.EvictedDebug,
			"evicted_failure", stats.EvictedFail,
			"bytes_freed", stats.BytesFreed)
	}
	return stats, nil
}

// RunCleanupLoop runs Cleanup on a cadence until ctx is cancelled.
func (s *Store) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.opts.Logger.Error("snapshot: cleanup failed", "error", err)
			}
		}
	}
}

func (s *Store) totalBytes(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(byte_size), 0) FROM snapshots`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("snapshot: total bytes: %w", err)
	}
	return total, nil
}

// removeWhere deletes index rows selected by query plus their blobs.
func (s *Store) removeWhere(ctx context.Context, query string, args ...any) (int, int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("snapshot: select for removal: %w", err)
	}
	type victim struct {
		id   string
		path string
		size int64
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.path, &v.size); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("snapshot: scan victim: %w", err)
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("snapshot: victims: %w", err)
	}

	var freed int64
	for _, v := range victims {
		if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
			s.opts.Logger.Warn("snapshot: remove blob failed", "id", v.id, "error", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, v.id); err != nil {
			return len(victims), freed, fmt.Errorf("snapshot: delete index row: %w", err)
		}
		freed += v.size
	}
	return len(victims), freed, nil
}
