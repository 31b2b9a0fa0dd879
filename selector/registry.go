package selector

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Entry wraps a registered selector with its bookkeeping.
type Entry struct {
	Selector     *Selector
	RegisteredAt time.Time
	LastUpdated  time.Time
	UsageCount   int64
	LastUsed     time.Time
}

// Registry owns the semantic-name → selector mapping. Reads and writes
// are serialized by an internal lock so observers only ever see fully
// validated entries.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	byTab    map[string]map[string]bool // tab_context → set of names
	logger   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*Entry),
		byTab:   make(map[string]map[string]bool),
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register validates and adds a selector. Duplicate names are rejected.
func (r *Registry) Register(sel *Selector) error {
	if err := sel.Validate(); err != nil {
		return err
	}
	ordered := sortedCopy(sel)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[ordered.Name]; exists {
		return fmt.Errorf("selector: %q already registered", ordered.Name)
	}
	now := time.Now()
	r.entries[ordered.Name] = &Entry{
		Selector:     ordered,
		RegisteredAt: now,
		LastUpdated:  now,
	}
	r.indexTab(ordered)
	r.logger.Debug("selector: registered",
		"name", ordered.Name, "strategies", len(ordered.Strategies), "tab", ordered.TabContext)
	return nil
}

// Update re-validates then swaps the selector under the lock; readers
// see either the old or the new value, never a blend. Usage metrics
// survive an update.
func (r *Registry) Update(sel *Selector) error {
	if err := sel.Validate(); err != nil {
		return err
	}
	ordered := sortedCopy(sel)

	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.entries[ordered.Name]
	if !exists {
		return fmt.Errorf("selector: %q not registered", ordered.Name)
	}
	r.unindexTab(entry.Selector)
	entry.Selector = ordered
	entry.LastUpdated = time.Now()
	r.indexTab(ordered)
	r.logger.Debug("selector: updated", "name", ordered.Name)
	return nil
}

// Unregister removes a selector. Re-registering later yields a fresh
// entry with reset metrics.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, exists := r.entries[name]
	if !exists {
		return fmt.Errorf("selector: %q not registered", name)
	}
	r.unindexTab(entry.Selector)
	delete(r.entries, name)
	return nil
}

// Get returns the selector for name. The second return is false when
// the name is unknown.
func (r *Registry) Get(name string) (*Selector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return entry.Selector, true
}

// Touch records a use of the selector.
func (r *Registry) Touch(name string) {
	r.mu.Lock()
	if entry, ok := r.entries[name]; ok {
		entry.UsageCount++
		entry.LastUsed = time.Now()
	}
	r.mu.Unlock()
}

// Stats returns a copy of the bookkeeping entry for name.
func (r *Registry) Stats(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// List returns all registered names, sorted. A non-empty tabContext
// filters through the secondary index.
func (r *Registry) List(tabContext string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	if tabContext != "" {
		for name := range r.byTab[tabContext] {
			names = append(names, name)
		}
	} else {
		for name := range r.entries {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered selectors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) indexTab(sel *Selector) {
	if sel.TabContext == "" {
		return
	}
	set := r.byTab[sel.TabContext]
	if set == nil {
		set = make(map[string]bool)
		r.byTab[sel.TabContext] = set
	}
	set[sel.Name] = true
}

func (r *Registry) unindexTab(sel *Selector) {
	if sel.TabContext == "" {
		return
	}
	if set := r.byTab[sel.TabContext]; set != nil {
		delete(set, sel.Name)
		if len(set) == 0 {
			delete(r.byTab, sel.TabContext)
		}
	}
}

// sortedCopy clones the selector with strategies ordered by ascending
// priority, so resolution never re-sorts.
func sortedCopy(sel *Selector) *Selector {
	out := *sel
	out.Strategies = append([]StrategySpec(nil), sel.Strategies...)
	sort.SliceStable(out.Strategies, func(i, j int) bool {
		return out.Strategies[i].Priority < out.Strategies[j].Priority
	})
	return &out
}
