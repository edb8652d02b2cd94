// Package event delivers payload-less named notifications to subscribers.
package event

import "sync"

// Names of the notifications published by the pipeline.
const (
	FilterUpdated  = "filter-updated"
	PaywallUpdated = "paywall-updated"
)

// Hub fans named notifications out to subscribers. Delivery never blocks:
// a subscriber that has not consumed its previous notification does not
// receive another one.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan struct{})}
}

// Subscribe registers interest in name. The returned function removes the
// subscription and closes the channel.
func (h *Hub) Subscribe(name string) (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan struct{}, 1)
	if h.subs[name] == nil {
		h.subs[name] = make(map[int]chan struct{})
	}
	h.subs[name][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[name], id)
			close(ch)
		})
	}
}

// Publish notifies every subscriber of name.
func (h *Hub) Publish(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs[name] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
