package api

import (
	"context"
	"log/slog"
	"sync"

	"github.com/promethean-dev/promethean/internal/core"
)

// Hub fans run events out to websocket subscribers. It implements
// core.Notifier; a slow subscriber loses events rather than blocking the
// loop.
type Hub struct {
	logger *slog.Logger
	mu     sync.Mutex
	subs   map[chan core.RunEvent]struct{}
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("component", "hub"),
		subs:   make(map[chan core.RunEvent]struct{}),
	}
}

// NotifyRun broadcasts the event to all subscribers without blocking.
func (h *Hub) NotifyRun(_ context.Context, ev core.RunEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("subscriber buffer full, run event dropped")
		}
	}
}

func (h *Hub) subscribe() chan core.RunEvent {
	ch := make(chan core.RunEvent, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan core.RunEvent) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
