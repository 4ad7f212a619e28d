package source

import (
	"log/slog"
	"sync"

	"github.com/vietddude/shepherd/internal/core/domain"
	"github.com/vietddude/shepherd/internal/metrics"
)

// Hub fans source events out to subscribers over buffered channels, so
// handlers can never re-enter the registry lock from a notification.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan domain.SourceEvent
	nextID int
	buffer int
	closed bool

	log *slog.Logger
}

// NewHub creates an event hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[int]chan domain.SourceEvent),
		buffer: buffer,
		log:    slog.Default().With("component", "events"),
	}
}

// Subscribe registers a new observer. The returned cancel func detaches it
// and closes its channel.
func (h *Hub) Subscribe() (<-chan domain.SourceEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan domain.SourceEvent, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber. A full subscriber drops
// the event rather than blocking the emitting transition.
func (h *Hub) Publish(ev domain.SourceEvent) {
	metrics.EventsTotal.WithLabelValues(string(ev.Type)).Inc()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Warn("Dropping event for slow subscriber", "type", ev.Type, "source", ev.SourceID)
		}
	}
}

// Close detaches all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
