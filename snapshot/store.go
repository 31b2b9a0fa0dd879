// Package snapshot persists failure-time DOM captures: an immutable
// JSON envelope on disk (optionally gzipped) plus a SQLite metadata
// index used for retrieval and retention.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Type classifies a snapshot.
type Type string

const (
	TypeFailure    Type = "failure"
	TypeDrift      Type = "drift"
	TypeRegression Type = "regression"
	TypeBaseline   Type = "baseline"
	TypeDebug      Type = "debug"
)

// ErrNotFound is returned by Read for unknown or cleaned-up ids.
var ErrNotFound = errors.New("snapshot: not found")

// Viewport is the capture-time viewport size.
type Viewport struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Metadata is the capture context.
type Metadata struct {
	PageURL            string             `json:"page_url"`
	TabContext         string             `json:"tab_context,omitempty"`
	Viewport           Viewport           `json:"viewport"`
	UserAgent          string             `json:"user_agent,omitempty"`
	ResolutionAttempt  int                `json:"resolution_attempt"`
	FailureReason      string             `json:"failure_reason,omitempty"`
	PerformanceMetrics map[string]float64 `json:"performance_metrics,omitempty"`
}

// Snapshot is the persisted envelope. Immutable after Write.
type Snapshot struct {
	ID           string   `json:"id"`
	SelectorName string   `json:"selector_name"`
	SnapshotType Type     `json:"snapshot_type"`
	CreatedAt    int64    `json:"created_at"`
	FileSize     int64    `json:"file_size"`
	DOMContent   string   `json:"dom_content"`
	Metadata     Metadata `json:"metadata"`
}

// Schema for the snapshot index.
const Schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id            TEXT PRIMARY KEY,
	selector_name TEXT NOT NULL,
	snapshot_type TEXT NOT NULL,
	path          TEXT NOT NULL,
	byte_size     INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	last_access   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(created_at);
CREATE INDEX IF NOT EXISTS idx_snapshots_type ON snapshots(snapshot_type, last_access);
`

// Options configures a Store.
type Options struct {
	// Root is the blob directory. Default: "data/snapshots".
	Root string
	// Compress writes .jsongz instead of .json.
	Compress bool
	// MaxAge bounds snapshot lifetime. Default: 7 days.
	MaxAge time.Duration
	// MaxTotalBytes caps the blob directory. Default: 512 MB.
	MaxTotalBytes int64
	// KeepFailures is the per-cleanup floor of failure snapshots kept
	// when the size cap forces eviction. Default: 100.
	KeepFailures int
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.Root == "" {
		o.Root = filepath.Join("data", "snapshots")
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 7 * 24 * time.Hour
	}
	if o.MaxTotalBytes <= 0 {
		o.MaxTotalBytes = 512 << 20
	}
	if o.KeepFailures <= 0 {
		o.KeepFailures = 100
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store is the snapshot store. Writes for a duplicate id are rejected
// by the index without touching the previously stored blob.
type Store struct {
	db   *sql.DB
	opts Options
}

// NewStore creates a store over the given index database. The Schema
// must have been applied (dbopen.WithSchema(snapshot.Schema)).
func NewStore(db *sql.DB, opts Options) (*Store, error) {
	opts.defaults()
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir %s: %w", opts.Root, err)
	}
	return &Store{db: db, opts: opts}, nil
}

// Write persists the envelope and indexes it, returning the id the
// caller supplied. The stored record is byte-stable: Read returns it
// unchanged until cleanup removes it.
func (s *Store) Write(ctx context.Context, snap *Snapshot) (string, error) {
	if snap.ID == "" {
		return "", fmt.Errorf("snapshot: id required")
	}
	if snap.CreatedAt == 0 {
		snap.CreatedAt = time.Now().Unix()
	}
	snap.FileSize = int64(len(snap.DOMContent))
	if snap.Metadata.PerformanceMetrics == nil {
		snap.Metadata.PerformanceMetrics = map[string]float64{}
	}
	addDOMStats(snap.Metadata.PerformanceMetrics, snap.DOMContent)

	payload, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("snapshot: marshal: %w", err)
	}

	name := snap.ID + ".json"
	if s.opts.Compress {
		name = snap.ID + ".jsongz"
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return "", fmt.Errorf("snapshot: gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return "", fmt.Errorf("snapshot: gzip close: %w", err)
		}
		payload = buf.Bytes()
	}

	// The blob lands in a temp file first and is renamed into place
	// only after the index accepts the id. A duplicate id fails on the
	// primary key and removes only this call's temp file, leaving any
	// previously stored blob untouched.
	path := filepath.Join(s.opts.Root, name)
	tmp, err := os.CreateTemp(s.opts.Root, name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("snapshot: write %s: %w", path, err)
	}

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, selector_name, snapshot_type, path, byte_size, created_at, last_access)
		VALUES (?,?,?,?,?,?,?)`,
		snap.ID, snap.SelectorName, string(snap.SnapshotType), path, int64(len(payload)), snap.CreatedAt, now)
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("snapshot: index %s: %w", snap.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, snap.ID)
		os.Remove(tmp.Name())
		return "", fmt.Errorf("snapshot: write %s: %w", path, err)
	}

	s.opts.Logger.Debug("snapshot: written",
		"id", snap.ID, "type", snap.SnapshotType, "bytes", len(payload))
	return snap.ID, nil
}

// Read returns the envelope for id, or ErrNotFound.
func (s *Store) Read(ctx context.Context, id string) (*Snapshot, error) {
	var path string
	err := s.db.QueryRowContext(ctx,
		`SELECT path FROM snapshots WHERE id = ?`, id).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: index lookup %s: %w", id, err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}

	if strings.HasSuffix(path, ".jsongz") {
		zr, zerr := gzip.NewReader(bytes.NewReader(raw))
		if zerr != nil {
			return nil, fmt.Errorf("snapshot: gunzip %s: %w", id, zerr)
		}
		raw, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("snapshot: gunzip %s: %w", id, err)
		}
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", id, err)
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE snapshots SET last_access = ? WHERE id = ?`, time.Now().Unix(), id)
	return &snap, nil
}

// Count returns the number of indexed snapshots, optionally filtered
// by type.
func (s *Store) Count(ctx context.Context, t Type) (int, error) {
	q := `SELECT COUNT(*) FROM snapshots`
	args := []any{}
	if t != "" {
		q += ` WHERE snapshot_type = ?`
		args = append(args, string(t))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("snapshot: count: %w", err)
	}
	return n, nil
}

// addDOMStats records structural stats of the captured DOM into the
// performance-metrics map: node count and content length help the
// post-hoc analysis scripts triage captures without re-parsing.
func addDOMStats(metrics map[string]float64, dom string) {
	metrics["dom_bytes"] = float64(len(dom))
	doc, err := html.Parse(strings.NewReader(dom))
	if err != nil {
		return
	}
	nodes := 0
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.ElementNode {
			nodes++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(doc)
	metrics["dom_nodes"] = float64(nodes)
}
