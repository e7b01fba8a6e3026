package livestream

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"stream-orchestrator/internal/platform/metrics"
)

var (
	// ErrHubClosed is returned when subscribing to a hub that has been closed.
	ErrHubClosed = errors.New("signaling hub closed")

	// ErrSubscriberExists is returned when a connection id is already subscribed.
	ErrSubscriberExists = errors.New("subscriber already exists")
)

// DefaultSubscriberBuffer is the per-connection event queue length.
const DefaultSubscriberBuffer = 64

// Publisher is the broadcast side of the signaling bus.
type Publisher interface {
	Publish(ev Event)
}

// Subscription is one connection's view of the hub. Events arrive on C in
// publish order; C is closed on Unsubscribe or hub Close.
type Subscription struct {
	ID string
	C  <-chan Event

	ch      chan Event
	dropped atomic.Uint64
}

// Dropped returns how many events this subscriber missed because its queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Hub fans events out to every subscribed connection. Delivery is
// at-most-once and non-blocking: a full queue drops the event for that
// subscriber only. Publishes are serialised, so every subscriber sees
// the events it receives in the same relative order.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	closed  bool
	buffer  int
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHub returns an empty hub. buffer <= 0 selects DefaultSubscriberBuffer.
// m may be nil.
func NewHub(buffer int, log *slog.Logger, m *metrics.Metrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		subs:    make(map[string]*Subscription),
		buffer:  buffer,
		log:     log,
		metrics: m,
	}
}

// Subscribe registers a connection id.
func (h *Hub) Subscribe(id string) (*Subscription, error) {
	return h.SubscribeWith(id, nil)
}

// SubscribeWith registers a connection id and queues first() as its
// opening event. first runs under the publish lock, so no broadcast can
// land between the event it builds and the subscription becoming live.
// first must not publish. A nil first behaves like Subscribe.
func (h *Hub) SubscribeWith(id string, first func() Event) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if _, exists := h.subs[id]; exists {
		return nil, ErrSubscriberExists
	}

	ch := make(chan Event, h.buffer)
	sub := &Subscription{ID: id, C: ch, ch: ch}
	h.subs[id] = sub
	if first != nil {
		ch <- first()
	}
	return sub, nil
}

// Unsubscribe removes id and closes its channel. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.metrics.IncEventsPublished(ev.Type)

	dropped := 0
	for _, sub := range h.subs {
		if !h.deliverLocked(sub, ev) {
			dropped++
		}
	}
	h.metrics.AddEventsDropped(dropped)
}

// SendTo delivers ev to a single connection. It returns false if the
// connection is unknown or its queue is full.
func (h *Hub) SendTo(id string, ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[id]
	if !ok || h.closed {
		return false
	}
	if !h.deliverLocked(sub, ev) {
		h.metrics.AddEventsDropped(1)
		return false
	}
	return true
}

// Len returns the number of subscribed connections.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close unsubscribes everyone; later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// deliverLocked performs the non-blocking send. Caller must hold h.mu.
func (h *Hub) deliverLocked(sub *Subscription, ev Event) bool {
	select {
	case sub.ch <- ev:
		return true
	default:
		sub.dropped.Add(1)
		h.log.Debug("viewer queue full, event dropped",
			slog.String("viewer_id", sub.ID),
			slog.String("event", ev.Type))
		return false
	}
}
