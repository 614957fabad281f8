// Package events fans control plane events (trust level transitions, nodes
// going offline) out to in-process subscribers such as the websocket stream.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaymesh/relaymesh/pkg/model"
)

// Event types.
const (
	TypeTrustLevelChanged = "trust_level_changed"
	TypeNodeOffline       = "node_offline"
)

// Event describes a state change worth telling operators about.
type Event struct {
	Type       string           `json:"type"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	From       model.TrustLevel `json:"from,omitempty"`
	To         model.TrustLevel `json:"to,omitempty"`
	Score      float64          `json:"score,omitempty"`
	Cause      string           `json:"cause,omitempty"`
	Message    string           `json:"message,omitempty"`
	Time       time.Time        `json:"time"`
}

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 64

// Hub delivers each published event to every current subscriber. Publish
// never blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	buffer  int
	dropped atomic.Uint64
}

// NewHub returns a hub whose subscribers get buffer-sized channels.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[uint64]chan Event), buffer: buffer}
}

// Subscribe registers a new subscriber. The returned cancel func closes the
// channel and must be called once the subscriber is done.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to all subscribers. Safe on a nil hub.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
