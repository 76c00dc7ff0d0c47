package agent

import (
	"sync"

	"github.com/ehrlich-b/hocbridge/internal/logger"
)

// subQueue is the per-subscriber event buffer. Full queues drop the
// newest event rather than block the session goroutines.
const subQueue = 256

// Hub fans session events out to subscribers. Every authenticated
// connection subscribes once and sees events from all agents.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]chan Event)}
}

// Subscribe registers id and returns its event channel. A second
// subscribe for the same id replaces the old channel.
func (h *Hub) Subscribe(id string) <-chan Event {
	ch := make(chan Event, subQueue)
	h.mu.Lock()
	if old, ok := h.subs[id]; ok {
		close(old)
	}
	h.subs[id] = ch
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes id and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()
}

// Broadcast delivers e to every subscriber without blocking. A
// subscriber that cannot keep up loses the event.
func (h *Hub) Broadcast(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			logger.Warn("dropping event for slow subscriber", "subscriber", id, "agent", e.AgentID)
		}
	}
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
