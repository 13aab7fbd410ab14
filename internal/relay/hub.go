package relay

import (
	"sync"

	"github.com/pulsewatch/pulsewatch/internal/metrics"
)

// observerBuffer bounds how far an observer may lag before events are
// dropped for it.
const observerBuffer = 16

// Hub fans events out to in-process observers grouped by user room.
// Observers only ever join the room of their authenticated user.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[chan []byte]struct{})}
}

// Subscribe joins the user's room and returns the event channel plus
// a leave function.
func (h *Hub) Subscribe(userID string) (<-chan []byte, func()) {
	ch := make(chan []byte, observerBuffer)
	room := "user:" + userID

	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[chan []byte]struct{})
	}
	h.rooms[room][ch] = struct{}{}
	h.mu.Unlock()

	leave := func() {
		h.mu.Lock()
		if obs, ok := h.rooms[room]; ok {
			delete(obs, ch)
			if len(obs) == 0 {
				delete(h.rooms, room)
			}
		}
		h.mu.Unlock()
	}
	return ch, leave
}

// Broadcast delivers to every observer in the user's room. A full
// observer buffer drops the event rather than blocking the consumer.
func (h *Hub) Broadcast(userID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.rooms["user:"+userID] {
		select {
		case ch <- data:
			metrics.RelayEventsTotal.WithLabelValues("delivered").Inc()
		default:
			metrics.RelayEventsTotal.WithLabelValues("dropped").Inc()
		}
	}
}

// Observers reports how many observers the user's room has.
func (h *Hub) Observers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms["user:"+userID])
}
