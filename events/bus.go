package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler consumes an event. Errors and panics in handlers never
// propagate to publishers.
type Handler func(ctx context.Context, ev Event)

// Publisher is the narrow publish-side interface components depend on.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// subscription is one subscriber with its bounded delivery queue and a
// dedicated delivery goroutine. Per-subscription queues preserve
// per-publisher ordering while isolating slow subscribers.
type subscription struct {
	kinds   map[Kind]bool // nil = all kinds
	queue   chan Event
	handler Handler
	done    chan struct{}
}

// Bus fans out events to subscribers. Delivery is asynchronous: each
// subscriber owns a bounded queue drained by its own goroutine. When a
// queue is full the event is dropped for that subscriber with a logged
// warning rather than applying backpressure to the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	depth  int
	logger *slog.Logger
	closed bool
	wg     sync.WaitGroup

	// dropMu guards dropped separately: Publish holds only a read lock
	// on mu, so concurrent drops would race on the map.
	dropMu  sync.Mutex
	dropped map[Kind]int64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// WithQueueDepth sets the per-subscriber queue depth. Default: 256.
func WithQueueDepth(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.depth = n
		}
	}
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		depth:   256,
		logger:  slog.Default(),
		dropped: make(map[Kind]int64),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a handler for the given kinds. An empty kinds
// list subscribes to everything. Returns an unsubscribe func.
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) func() {
	sub := &subscription{
		queue:   make(chan Event, b.depth),
		handler: handler,
		done:    make(chan struct{}),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliver(sub)

	return func() { b.unsubscribe(sub) }
}

// Publish delivers ev to all matching subscribers. Never blocks: full
// subscriber queues drop the event with a warning.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			b.logger.Warn("events: subscriber queue full, dropping",
				"kind", ev.Kind, "correlation_id", ev.CorrelationID)
			b.dropMu.Lock()
			b.dropped[ev.Kind]++
			b.dropMu.Unlock()
		}
	}
}

// Dropped returns the number of events dropped for a kind since start.
func (b *Bus) Dropped(kind Kind) int64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped[kind]
}

// Close stops delivery. Queued events are drained before the delivery
// goroutines exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.queue)
	}
	b.wg.Wait()
}

func (b *Bus) unsubscribe(target *subscription) {
	b.mu.Lock()
	for i, sub := range b.subs {
		if sub == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.queue)
			break
		}
	}
	b.mu.Unlock()
}

func (b *Bus) deliver(sub *subscription) {
	defer b.wg.Done()
	defer close(sub.done)
	for ev := range sub.queue {
		b.safeHandle(sub.handler, ev)
	}
}

// safeHandle isolates subscriber panics from the bus.
func (b *Bus) safeHandle(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("events: subscriber panicked",
				"kind", ev.Kind, "panic", r)
		}
	}()
	h(context.Background(), ev)
}
