package stream

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/zyuc/mockbroker/pkg/logging"
	"github.com/zyuc/mockbroker/pkg/metrics"
)

// DefaultSubscriberBuffer is the channel capacity used when Subscribe is
// called with a non-positive buffer.
const DefaultSubscriberBuffer = 100

// Hub fans accepted events out to subscribers. It keeps no history: a
// subscriber only receives events published after it attached.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
	closed      bool
	log         *slog.Logger
}

// Subscription is one attached consumer of a Hub.
type Subscription struct {
	ID string
	C  <-chan PendingRequestEvent

	ch   chan PendingRequestEvent
	hub  *Hub
	once sync.Once
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = logging.Nop()
	}
	return &Hub{
		subscribers: make(map[string]*Subscription),
		log:         log,
	}
}

// Subscribe attaches a new consumer. Events that do not fit in the buffer are
// dropped for that subscriber only.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan PendingRequestEvent, buffer)
	sub := &Subscription{ID: uuid.New().String(), C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	h.subscribers[sub.ID] = sub
	return sub
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subscribers[s.ID]; ok {
		delete(s.hub.subscribers, s.ID)
		s.close()
	}
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Publish delivers ev to every subscriber without blocking and returns the
// number of subscribers that received it.
func (h *Hub) Publish(ev PendingRequestEvent) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for id, sub := range h.subscribers {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			// Drop if subscriber is slow
			metrics.StreamEventsTotal.WithLabelValues("dropped").Inc()
			h.log.Warn("subscriber buffer full, dropping event",
				"subscriber", id, "requestId", ev.RequestID)
		}
	}
	return delivered
}

// Count returns the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close detaches every subscriber. Later subscriptions are returned closed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscribers {
		sub.close()
		delete(h.subscribers, id)
	}
}
