// Package eventbus keeps the log of intercepted exchanges and fans changes
// out to live subscribers.
package eventbus

import (
	"context"
	"errors"
	"sync"

	"github.com/codefionn/umleitung/umleitung-srv/config"
	"github.com/codefionn/umleitung/umleitung-srv/exchange"
	"github.com/codefionn/umleitung/umleitung-srv/logger"
	"github.com/codefionn/umleitung/umleitung-srv/rules"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// ErrFinalized is returned when recording a trace that was finalized.
var ErrFinalized = errors.New("event is finalized")

// Update is one change of the log as seen by subscribers. Exactly one field
// is set.
type Update struct {
	Add    *exchange.MessageEvent `json:"add,omitempty"`
	Update *exchange.MessageEvent `json:"update,omitempty"`
	Clear  bool                   `json:"clear,omitempty"`
}

// Subscription receives updates on C until the subscriber's context ends,
// Close is called, or the subscriber falls behind. Backlog holds the events
// stored at the time of subscribing; C carries only later changes.
type Subscription struct {
	C       <-chan Update
	Backlog []*exchange.MessageEvent

	id  uint64
	bus *Bus
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus stores MessageEvents in record order. Retention bounds come from the
// shared AppSettings.
type Bus struct {
	mu       sync.RWMutex
	events   []*exchange.MessageEvent
	byID     map[string]*exchange.MessageEvent
	subs     map[uint64]chan Update
	nextSub  uint64
	settings *config.AppSettings

	bufferSize int
	// onEvict is called with the number of events removed by retention.
	onEvict func(n int)
}

// New creates a bus whose retention follows settings.
func New(settings *config.AppSettings, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	b := &Bus{
		byID:       make(map[string]*exchange.MessageEvent),
		subs:       make(map[uint64]chan Update),
		settings:   settings,
		bufferSize: bufferSize,
	}
	settings.Observe(func(cfg config.AppConfig) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.evictLocked(cfg)
	})
	return b
}

// OnEvict registers a callback for retention evictions.
func (b *Bus) OnEvict(fn func(n int)) {
	b.mu.Lock()
	b.onEvict = fn
	b.mu.Unlock()
}

// Record stores a copy of ev. A new trace id is appended and announced as
// add; a known one replaces the stored event and is announced as update.
func (b *Bus) Record(ev *exchange.MessageEvent) error {
	stored := ev.Clone()

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.byID[stored.TraceID]; ok {
		if existing.Finalized {
			return ErrFinalized
		}
		b.replaceLocked(stored)
		b.broadcastLocked(Update{Update: stored})
		return nil
	}

	b.events = append(b.events, stored)
	b.byID[stored.TraceID] = stored
	b.broadcastLocked(Update{Add: stored})
	b.evictLocked(b.settings.Get())
	return nil
}

// Complete stores the final state of a trace that is still in the log,
// marks it finalized and announces one update. A trace removed by Clear or
// retention in the meantime is not re-added; Complete then returns a
// NotFoundError.
func (b *Bus) Complete(ev *exchange.MessageEvent) error {
	final := ev.Clone()
	final.Finalized = true

	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.byID[final.TraceID]
	if !ok {
		return &rules.NotFoundError{Resource: "trace", ID: final.TraceID}
	}
	if existing.Finalized {
		return ErrFinalized
	}
	b.replaceLocked(final)
	b.broadcastLocked(Update{Update: final})
	return nil
}

func (b *Bus) replaceLocked(ev *exchange.MessageEvent) {
	for i, e := range b.events {
		if e.TraceID == ev.TraceID {
			b.events[i] = ev
			break
		}
	}
	b.byID[ev.TraceID] = ev
}

// Finalize marks the trace immutable and announces it.
func (b *Bus) Finalize(traceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.byID[traceID]
	if !ok {
		return &rules.NotFoundError{Resource: "trace", ID: traceID}
	}
	if existing.Finalized {
		return nil
	}
	final := existing.Clone()
	final.Finalized = true
	b.replaceLocked(final)
	b.broadcastLocked(Update{Update: final})
	return nil
}

// Get returns a copy of the stored event.
func (b *Bus) Get(traceID string) (*exchange.MessageEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.byID[traceID]
	if !ok {
		return nil, &rules.NotFoundError{Resource: "trace", ID: traceID}
	}
	return ev.Clone(), nil
}

// List returns copies of all stored events, oldest first.
func (b *Bus) List() []*exchange.MessageEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listLocked()
}

// Len returns the number of stored events.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

func (b *Bus) listLocked() []*exchange.MessageEvent {
	out := make([]*exchange.MessageEvent, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Clone()
	}
	return out
}

// Clear drops every stored event and tells subscribers to reset.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = nil
	b.byID = make(map[string]*exchange.MessageEvent)
	b.broadcastLocked(Update{Clear: true})
	logger.Info("Request log cleared")
}

// Subscribe registers a subscriber. The subscription ends when ctx is done.
func (b *Bus) Subscribe(ctx context.Context) *Subscription {
	ch := make(chan Update, b.bufferSize)

	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	b.subs[id] = ch
	backlog := b.listLocked()
	b.mu.Unlock()

	sub := &Subscription{C: ch, Backlog: backlog, id: id, bus: b}
	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// broadcastLocked never blocks: a subscriber with a full buffer is dropped.
func (b *Bus) broadcastLocked(u Update) {
	for id, ch := range b.subs {
		select {
		case ch <- u:
		default:
			logger.Warn("Dropping slow request log subscriber %d", id)
			delete(b.subs, id)
			close(ch)
		}
	}
}

// evictLocked trims the log to MaxLogSize-ClearLogSize events once it grew
// past MaxLogSize.
func (b *Bus) evictLocked(cfg config.AppConfig) {
	if cfg.MaxLogSize <= 0 || len(b.events) <= cfg.MaxLogSize {
		return
	}
	keep := cfg.MaxLogSize - cfg.ClearLogSize
	if keep < 0 {
		keep = 0
	}
	drop := len(b.events) - keep
	for _, ev := range b.events[:drop] {
		delete(b.byID, ev.TraceID)
	}
	remaining := make([]*exchange.MessageEvent, keep)
	copy(remaining, b.events[drop:])
	b.events = remaining
	logger.Debug("Evicted %d request log entries, %d remain", drop, keep)
	if b.onEvict != nil {
		b.onEvict(drop)
	}
}
