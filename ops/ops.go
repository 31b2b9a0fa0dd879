// Package ops exposes the operational HTTP surface: health, metrics
// queries, snapshot retrieval and the registered selector list.
package ops

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/oddswatch/metrics"
	"github.com/hazyhaar/oddswatch/proxy"
	"github.com/hazyhaar/oddswatch/selector"
	"github.com/hazyhaar/oddswatch/snapshot"
)

// Deps are the collaborators the handlers read from. Any may be nil;
// the matching endpoint then reports unavailable.
type Deps struct {
	Registry  *selector.Registry
	Snapshots *snapshot.Store
	Metrics   *metrics.Store
	Proxies   *proxy.Manager
	Logger    *slog.Logger
}

// NewRouter builds the chi router for the ops listener.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/metrics", s.queryMetrics)
		r.Get("/snapshots/{id}", s.getSnapshot)
		r.Get("/selectors", s.listSelectors)
	})
	return r
}

type server struct {
	deps Deps
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Registry != nil {
		out["selectors"] = s.deps.Registry.Len()
	}
	if s.deps.Proxies != nil {
		out["proxy"] = s.deps.Proxies.Health()
	}
	writeJSON(w, http.StatusOK, out)
}

// queryMetrics serves /api/metrics?name=...&since_s=...&limit=...
func (s *server) queryMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics store not configured")
		return
	}
	name := r.URL.Query().Get("name")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 10000 {
			limit = n
		}
	}
	var start *time.Time
	if raw := r.URL.Query().Get("since_s"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			t := time.Now().Add(-time.Duration(secs) * time.Second)
			start = &t
		}
	}

	points, err := s.deps.Metrics.Query(r.Context(), name, start, nil, limit)
	if err != nil {
		s.deps.Logger.Error("ops: metrics query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "metrics query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points, "count": len(points)})
}

func (s *server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot store not configured")
		return
	}
	id := chi.URLParam(r, "id")
	snap, err := s.deps.Snapshots.Read(r.Context(), id)
	if errors.Is(err, snapshot.ErrNotFound) {
		writeError(w, http.StatusNotFound, "snapshot not found")
		return
	}
	if err != nil {
		s.deps.Logger.Error("ops: snapshot read failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "snapshot read failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) listSelectors(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	tab := r.URL.Query().Get("tab_context")
	names := s.deps.Registry.List(tab)

	type entry struct {
		Name         string    `json:"name"`
		TabContext   string    `json:"tab_context,omitempty"`
		Strategies   int       `json:"strategies"`
		Threshold    float64   `json:"confidence_threshold"`
		RegisteredAt time.Time `json:"registered_at"`
		UsageCount   int64     `json:"usage_count"`
		LastUsed     time.Time `json:"last_used,omitempty"`
	}
	out := make([]entry, 0, len(names))
	for _, name := range names {
		sel, ok := s.deps.Registry.Get(name)
		if !ok {
			continue
		}
		stats, _ := s.deps.Registry.Stats(name)
		out = append(out, entry{
			Name:         sel.Name,
			TabContext:   sel.TabContext,
			Strategies:   len(sel.Strategies),
			Threshold:    sel.ConfidenceThreshold,
			RegisteredAt: stats.RegisteredAt,
			UsageCount:   stats.UsageCount,
			LastUsed:     stats.LastUsed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"selectors": out, "count": len(out)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
