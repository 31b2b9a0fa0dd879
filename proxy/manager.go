package proxy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hazyhaar/oddswatch/idgen"
)

// Status of a session. Transitions are monotone: Active may become
// Expired or Failed, never the reverse.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusFailed  Status = "failed"
)

// Rotation selects when the manager mints a new session.
type Rotation string

const (
	RotatePerMatch   Rotation = "per_match"
	RotatePerSession Rotation = "per_session"
	RotatePerTimeout Rotation = "per_timeout"
)

// Session is one sticky proxy binding.
type Session struct {
	SessionID    string            `json:"session_id"`
	IP           string            `json:"ip"`
	Port         int               `json:"port"`
	Provider     string            `json:"provider"`
	ProxyURL     string            `json:"proxy_url"`
	Cookies      map[string]string `json:"cookies,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	TTLSeconds   int               `json:"ttl_seconds"`
	RequestCount int               `json:"request_count"`
	Status       Status            `json:"status"`
	Error        string            `json:"error,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

func (s *Session) expiredAt(now time.Time) bool {
	return s.TTLSeconds > 0 && now.Sub(s.CreatedAt) > time.Duration(s.TTLSeconds)*time.Second
}

// ManagerConfig tunes the manager.
type ManagerConfig struct {
	Rotation Rotation
	// CooldownSeconds excludes a retired proxy URL from reuse. Default: 600.
	CooldownSeconds int
	// SessionTTLSeconds bounds per_timeout sessions. Default: 300.
	SessionTTLSeconds int
	// PersistPath is the per-run session file. Empty disables persistence.
	PersistPath string
	Logger      *slog.Logger
}

func (c *ManagerConfig) defaults() {
	if c.Rotation == "" {
		c.Rotation = RotatePerMatch
	}
	if c.CooldownSeconds <= 0 {
		c.CooldownSeconds = 600
	}
	if c.SessionTTLSeconds <= 0 {
		c.SessionTTLSeconds = 300
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager hands out sticky sessions over a Provider. Acquisition runs
// through a circuit breaker so a dead vendor fails fast instead of
// stalling every resolve.
type Manager struct {
	cfg      ManagerConfig
	provider Provider
	breaker  *gobreaker.CircuitBreaker

	mu       sync.Mutex
	sessions map[string]*Session // by session id
	byMatch  map[string]string   // match id -> session id
	jobSess  string              // per_session sticky id
	cooldown map[string]time.Time
}

// NewManager wires a manager and initializes the provider.
func NewManager(cfg ManagerConfig, provider Provider) (*Manager, error) {
	cfg.defaults()
	if err := provider.Initialize(); err != nil {
		return nil, fmt.Errorf("proxy: initialize %s: %w", provider.Name(), err)
	}
	m := &Manager{
		cfg:      cfg,
		provider: provider,
		sessions: make(map[string]*Session),
		byMatch:  make(map[string]string),
		cooldown: make(map[string]time.Time),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "proxy-" + provider.Name(),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("proxy: breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	if cfg.PersistPath != "" {
		if err := m.load(); err != nil {
			cfg.Logger.Warn("proxy: session load failed", "path", cfg.PersistPath, "error", err)
		}
	}
	return m, nil
}

// GetNextSession returns the session for the match, honoring the
// rotation strategy. Cookies seed the new session when one is minted.
func (m *Manager) GetNextSession(matchID string, cookies map[string]string) (*Session, error) {
	m.mu.Lock()
	now := time.Now()

	reuse := func(id string) *Session {
		s, ok := m.sessions[id]
		if !ok || s.Status != StatusActive {
			return nil
		}
		if m.cfg.Rotation == RotatePerTimeout && s.expiredAt(now) {
			m.retireLocked(s, StatusExpired, "ttl elapsed")
			return nil
		}
		s.LastActivity = now
		s.RequestCount++
		return s
	}

	switch m.cfg.Rotation {
	case RotatePerMatch, RotatePerTimeout:
		if id, ok := m.byMatch[matchID]; ok {
			if s := reuse(id); s != nil {
				m.mu.Unlock()
				return s, nil
			}
		}
	case RotatePerSession:
		if m.jobSess != "" {
			if s := reuse(m.jobSess); s != nil {
				m.mu.Unlock()
				return s, nil
			}
		}
	}
	m.mu.Unlock()

	rawURL, err := m.acquire()
	if err != nil {
		return nil, err
	}

	s := &Session{
		SessionID:    idgen.Session(),
		Provider:     m.provider.Name(),
		ProxyURL:     rawURL,
		Cookies:      cookies,
		CreatedAt:    now,
		LastActivity: now,
		TTLSeconds:   m.cfg.SessionTTLSeconds,
		RequestCount: 1,
		Status:       StatusActive,
	}
	if u, perr := url.Parse(rawURL); perr == nil {
		s.IP = u.Hostname()
		if port, cerr := strconv.Atoi(u.Port()); cerr == nil {
			s.Port = port
		}
	}

	m.mu.Lock()
	m.sessions[s.SessionID] = s
	switch m.cfg.Rotation {
	case RotatePerMatch, RotatePerTimeout:
		m.byMatch[matchID] = s.SessionID
	case RotatePerSession:
		m.jobSess = s.SessionID
	}
	m.mu.Unlock()

	m.persist()
	m.cfg.Logger.Debug("proxy: session created",
		"session_id", s.SessionID, "provider", s.Provider, "match_id", matchID)
	return s, nil
}

// acquire fetches a fresh non-cooled-down proxy URL through the
// breaker.
func (m *Manager) acquire() (string, error) {
	out, err := m.breaker.Execute(func() (any, error) {
		for attempt := 0; attempt < 5; attempt++ {
			rawURL, err := m.provider.GetProxyURL()
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			until, cooled := m.cooldown[rawURL]
			m.mu.Unlock()
			if !cooled || time.Now().After(until) {
				return rawURL, nil
			}
		}
		return nil, fmt.Errorf("proxy: all candidates in cooldown")
	})
	if err != nil {
		return "", fmt.Errorf("proxy: acquire from %s: %w", m.provider.Name(), err)
	}
	return out.(string), nil
}

// RetireSession expires a session and places its proxy URL in
// cooldown. Retiring an unknown or already-terminal session is a
// no-op.
func (m *Manager) RetireSession(sessionID string) {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok && s.Status == StatusActive {
		m.retireLocked(s, StatusExpired, "")
	}
	m.mu.Unlock()
	m.persist()
}

// FailSession marks a session failed, cools its URL and tells the
// provider the exit is exhausted.
func (m *Manager) FailSession(sessionID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok && s.Status == StatusActive {
		m.retireLocked(s, StatusFailed, reason)
	}
	m.mu.Unlock()
	if ok {
		m.provider.MarkExhausted(s.ProxyURL)
	}
	m.persist()
}

// retireLocked assumes m.mu held.
func (m *Manager) retireLocked(s *Session, status Status, reason string) {
	s.Status = status
	s.Error = reason
	s.LastActivity = time.Now()
	m.cooldown[s.ProxyURL] = time.Now().Add(time.Duration(m.cfg.CooldownSeconds) * time.Second)
	for match, id := range m.byMatch {
		if id == s.SessionID {
			delete(m.byMatch, match)
		}
	}
	if m.jobSess == s.SessionID {
		m.jobSess = ""
	}
}

// Session returns a copy of the session by id.
func (m *Manager) Session(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// ActiveCount returns the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			n++
		}
	}
	return n
}

// Health passes through to the provider.
func (m *Manager) Health() Health { return m.provider.HealthCheck() }

type persistedState struct {
	Sessions []*Session           `json:"sessions"`
	Cooldown map[string]time.Time `json:"cooldown"`
}

// persist writes the session file. Failures are logged, never fatal.
func (m *Manager) persist() {
	if m.cfg.PersistPath == "" {
		return
	}
	m.mu.Lock()
	state := persistedState{Cooldown: make(map[string]time.Time, len(m.cooldown))}
	for _, s := range m.sessions {
		cp := *s
		state.Sessions = append(state.Sessions, &cp)
	}
	for k, v := range m.cooldown {
		state.Cooldown[k] = v
	}
	m.mu.Unlock()

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		m.cfg.Logger.Warn("proxy: persist marshal failed", "error", err)
		return
	}
	tmp := m.cfg.PersistPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.cfg.PersistPath), 0o755); err != nil {
		m.cfg.Logger.Warn("proxy: persist mkdir failed", "error", err)
		return
	}
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		m.cfg.Logger.Warn("proxy: persist write failed", "error", err)
		return
	}
	if err := os.Rename(tmp, m.cfg.PersistPath); err != nil {
		m.cfg.Logger.Warn("proxy: persist rename failed", "error", err)
	}
}

// load restores sessions from the session file. Sessions whose TTL
// elapsed while the process was down are dropped, not resurrected.
func (m *Manager) load() error {
	raw, err := os.ReadFile(m.cfg.PersistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, s := range state.Sessions {
		if s.Status == StatusActive && s.expiredAt(now) {
			s.Status = StatusExpired
			s.Error = "expired while persisted"
		}
		m.sessions[s.SessionID] = s
		if s.Status == StatusActive {
			restored++
		}
	}
	for url, until := range state.Cooldown {
		if now.Before(until) {
			m.cooldown[url] = until
		}
	}
	m.cfg.Logger.Info("proxy: sessions restored",
		"total", len(state.Sessions), "active", restored)
	return nil
}
