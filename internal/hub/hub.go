// Package hub implements the event broadcast hub: the single ordering and
// multiplexing point between workflow producers and stream observers.
//
// The hub assigns every published TimelineEvent a strictly increasing
// sequence number, keeps the most recent events in a bounded buffer for
// late-joiner replay, and fans each event out to all registered subscribers.
// It is explicitly constructed and injected; tests build a fresh hub per
// test so nothing leaks across runs.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/glassline-ai/mcpscope/internal/model"
	"github.com/glassline-ai/mcpscope/internal/telemetry"
)

// DefaultCapacity is the buffer size used when the caller passes a
// non-positive capacity.
const DefaultCapacity = 1000

// SubscriberFunc receives every event published after the subscription was
// registered. It is invoked synchronously from Publish; a panicking
// subscriber is recovered and logged without affecting other subscribers
// or the publisher.
type SubscriberFunc func(model.TimelineEvent)

// SubscriptionID identifies one registered subscriber.
type SubscriptionID uint64

// Hub is safe for concurrent use by multiple publishers and subscribers.
type Hub struct {
	sessionID uuid.UUID
	capacity  int
	logger    *slog.Logger

	// mu guards sequence assignment, the buffer, and the registry. It is
	// held only for the state update; subscriber callbacks run outside it.
	mu       sync.Mutex
	seq      int64
	buffer   []model.TimelineEvent
	start    int // index of the oldest buffered event (ring semantics)
	count    int
	nextSub  SubscriptionID
	subs     map[SubscriptionID]SubscriberFunc
	subOrder []SubscriptionID

	// deliverMu serializes fan-out so any one subscriber observes events in
	// sequence order even when publishers overlap. Publish acquires it while
	// still holding mu, then releases mu, so delivery order always matches
	// sequence order; a slow subscriber still never blocks sequence
	// assignment or Snapshot. Subscriber callbacks must not call back into
	// the hub.
	deliverMu sync.Mutex

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates an empty hub with the given buffer capacity and a fresh
// session ID. Capacity <= 0 falls back to DefaultCapacity.
func New(capacity int, logger *slog.Logger) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		sessionID: uuid.New(),
		capacity:  capacity,
		logger:    logger,
		buffer:    make([]model.TimelineEvent, capacity),
		subs:      make(map[SubscriptionID]SubscriberFunc),
	}
}

// SessionID returns the opaque session identifier stamped on every event.
func (h *Hub) SessionID() uuid.UUID {
	return h.sessionID
}

// Capacity returns the buffer capacity.
func (h *Hub) Capacity() int {
	return h.capacity
}

// Publish stamps ev with the session ID, the next sequence number, and the
// current UTC time, appends it to the buffer (evicting the oldest event when
// full), and delivers it to every registered subscriber. Publication cannot
// fail from the caller's perspective: an invalid event is dropped and
// logged, and subscriber failures are isolated per subscriber.
//
// The stamped event is returned for the caller's convenience.
func (h *Hub) Publish(ev model.TimelineEvent) model.TimelineEvent {
	if err := ev.Validate(); err != nil {
		h.dropped.Add(1)
		h.logger.Error("hub: dropping invalid event", "error", err, "event_type", ev.EventType)
		return ev
	}

	h.mu.Lock()
	h.seq++
	ev.SessionID = h.sessionID
	ev.Sequence = h.seq
	ev.Timestamp = time.Now().UTC()

	if h.count < h.capacity {
		h.buffer[(h.start+h.count)%h.capacity] = ev
		h.count++
	} else {
		// Full: overwrite the oldest slot and advance the ring start.
		h.buffer[h.start] = ev
		h.start = (h.start + 1) % h.capacity
	}

	// Copy the registry so delivery iterates a stable view outside mu.
	targets := make([]SubscriberFunc, 0, len(h.subOrder))
	for _, id := range h.subOrder {
		if fn, ok := h.subs[id]; ok {
			targets = append(targets, fn)
		}
	}
	// Take the delivery lock before releasing mu. Releasing mu first opens a
	// window where a second publisher could grab deliverMu with a higher
	// sequence and a subscriber would see the events inverted.
	h.deliverMu.Lock()
	h.mu.Unlock()
	defer h.deliverMu.Unlock()

	h.published.Add(1)
	for _, fn := range targets {
		h.deliver(fn, ev)
	}
	return ev
}

// deliver invokes one subscriber callback, isolating panics.
func (h *Hub) deliver(fn SubscriberFunc, ev model.TimelineEvent) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("hub: subscriber panicked", "panic", r, "sequence", ev.Sequence)
		}
	}()
	fn(ev)
}

// Subscribe registers fn to receive all future published events and returns
// an opaque subscription ID. Registration never replays past events; callers
// wanting replay read Snapshot separately (see internal/server's stream
// adapter for the race-free ordering).
func (h *Hub) Subscribe(fn SubscriberFunc) SubscriptionID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSub++
	id := h.nextSub
	h.subs[id] = fn
	h.subOrder = append(h.subOrder, id)
	return id
}

// Unsubscribe removes a previously registered subscriber. Unknown or
// already-removed IDs are a no-op.
func (h *Hub) Unsubscribe(id SubscriptionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return
	}
	delete(h.subs, id)
	for i, sid := range h.subOrder {
		if sid == id {
			h.subOrder = append(h.subOrder[:i], h.subOrder[i+1:]...)
			break
		}
	}
}

// Snapshot returns the buffered events as an ordered copy, oldest to newest.
// Safe to call concurrently with Publish.
func (h *Hub) Snapshot() []model.TimelineEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]model.TimelineEvent, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buffer[(h.start+i)%h.capacity]
	}
	return out
}

// Subscribers returns the current number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Len returns the current number of buffered events.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Published returns the total number of events published for the session.
func (h *Hub) Published() int64 {
	return h.published.Load()
}

// RegisterMetrics registers observable OTEL gauges for hub health. Call once
// after the global meter provider has been initialized.
func (h *Hub) RegisterMetrics() {
	meter := telemetry.Meter("mcpscope/hub")

	_, _ = meter.Int64ObservableGauge("mcpscope.hub.buffer_depth",
		metric.WithDescription("Current number of events in the replay buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("mcpscope.hub.subscribers",
		metric.WithDescription("Current number of registered stream subscribers"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(h.Subscribers()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("mcpscope.hub.published_total",
		metric.WithDescription("Total events published this session"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(h.published.Load())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("mcpscope.hub.dropped_total",
		metric.WithDescription("Total events rejected by validation"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(h.dropped.Load())
			return nil
		}),
	)
}
