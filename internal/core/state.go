package core

import (
	"sync"

	"Krypt/internal/call"
	"Krypt/pkg/interfaces"
)

// AppState is the single authoritative snapshot handed to the UI.
type AppState struct {
	Self      string                        `json:"self"`
	Connected bool                          `json:"connected"`
	Contacts  []interfaces.Contact          `json:"contacts"`
	Previews  map[string]interfaces.Message `json:"previews"`
	Unread    map[string]int                `json:"unread"`
	Statuses  []interfaces.Status           `json:"statuses"`
	// OpenPeer is the visible conversation and Messages its content.
	OpenPeer string               `json:"open_peer,omitempty"`
	Messages []interfaces.Message `json:"messages,omitempty"`
	Call     call.State           `json:"call"`
}

// stateHub keeps the latest snapshot and hands it to subscribers. Slow
// subscribers only ever see the newest value.
type stateHub struct {
	mu      sync.Mutex
	current AppState
	subs    map[int]chan AppState
	next    int
}

func newStateHub(initial AppState) *stateHub {
	return &stateHub{current: initial, subs: make(map[int]chan AppState)}
}

func (h *stateHub) snapshot() AppState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// update applies fn to the current state and publishes the result.
func (h *stateHub) update(fn func(*AppState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.current)
	for _, ch := range h.subs {
		offerLatest(ch, h.current)
	}
}

func (h *stateHub) subscribe() (<-chan AppState, func()) {
	ch := make(chan AppState, 1)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	ch <- h.current
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func offerLatest(ch chan AppState, s AppState) {
	select {
	case <-ch:
	default:
	}
	ch <- s
}
