package deckhand

import (
	"log/slog"
	"sync"
)

// defaultSubscriberBuffer is the per-subscriber channel depth. A
// subscriber that falls this far behind starts losing events; the
// cached latest status keeps reconnecting clients correct.
const defaultSubscriberBuffer = 64

type busSubscriber struct {
	runID string
	ch    chan RunEvent
}

// StreamBus fans workflow run events out to in-process subscribers,
// keyed by run id. The most recent status event per run is cached so a
// late subscriber can read a baseline; step events are not cached.
type StreamBus struct {
	buffer int
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string][]*busSubscriber
	latest map[string]RunEvent
}

// BusOption configures a StreamBus.
type BusOption func(*StreamBus)

// WithBusBuffer overrides the per-subscriber channel depth.
func WithBusBuffer(n int) BusOption {
	return func(b *StreamBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithBusLogger sets the logger. Defaults to a no-op logger.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *StreamBus) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewStreamBus creates an empty bus.
func NewStreamBus(opts ...BusOption) *StreamBus {
	b := &StreamBus{
		buffer: defaultSubscriberBuffer,
		logger: nopLogger,
		subs:   make(map[string][]*busSubscriber),
		latest: make(map[string]RunEvent),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers for events of one run. The returned function
// unsubscribes and closes the channel; it is safe to call twice.
func (b *StreamBus) Subscribe(runID string) (<-chan RunEvent, func()) {
	sub := &busSubscriber{runID: runID, ch: make(chan RunEvent, b.buffer)}
	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], sub)
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			list := b.subs[runID]
			for i, s := range list {
				if s == sub {
					b.subs[runID] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsubscribe
}

// Emit delivers the event to every subscriber of its run, FIFO per
// subscriber. Sends happen outside the mutex on a snapshot of the
// subscriber list; a full subscriber drops the event.
func (b *StreamBus) Emit(ev RunEvent) {
	if ev.RunID == "" {
		return
	}
	b.mu.Lock()
	if ev.Type == RunEventStatus {
		b.latest[ev.RunID] = ev
	}
	snapshot := append([]*busSubscriber(nil), b.subs[ev.RunID]...)
	b.mu.Unlock()

	for _, sub := range snapshot {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping run event for slow subscriber",
				"runId", ev.RunID, "type", ev.Type)
		}
	}
}

// Latest returns the cached status event for a run, if any.
func (b *StreamBus) Latest(runID string) (RunEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.latest[runID]
	return ev, ok
}

// Forget drops the cached status for a finished run.
func (b *StreamBus) Forget(runID string) {
	b.mu.Lock()
	delete(b.latest, runID)
	b.mu.Unlock()
}

// Clear drops every subscriber and cached status. Test helper.
func (b *StreamBus) Clear() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string][]*busSubscriber)
	b.latest = make(map[string]RunEvent)
	b.mu.Unlock()
	for _, list := range subs {
		for _, sub := range list {
			// A racing unsubscribe may already have closed the channel.
			func() {
				defer func() { _ = recover() }()
				close(sub.ch)
			}()
		}
	}
}
