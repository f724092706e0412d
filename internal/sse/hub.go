// Package sse fans out mailbox change events to server-sent-event streams.
package sse

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Event describes a change to a message visible to its sender and recipient.
type Event struct {
	Kind   string `json:"kind"` // sent, moved, deleted
	ID     string `json:"id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Folder string `json:"folder,omitempty"`
}

// Hub keeps subscriber channels per address. Slow subscribers miss events
// instead of blocking publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe returns a channel of encoded events for email, and a function
// to unsubscribe, which closes the channel.
func (h *Hub) Subscribe(email string) (<-chan []byte, func()) {
	ch := make(chan []byte, 8)
	h.mu.Lock()
	if _, ok := h.subs[email]; !ok {
		h.subs[email] = make(map[chan []byte]struct{})
	}
	h.subs[email][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[email]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, email)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish sends ev to the subscribers of its sender and recipient.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	payload := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Kind, data))

	unique := map[string]struct{}{}
	for _, email := range []string{ev.From, ev.To} {
		if email != "" {
			unique[email] = struct{}{}
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for email := range unique {
		for ch := range h.subs[email] {
			select {
			case ch <- payload:
			default:
			}
		}
	}
}
