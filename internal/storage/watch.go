package storage

import (
	"context"
	"sync"

	"Krypt/pkg/interfaces"
)

const watchBuffer = 16

// hub fans change notifications out to watchers. A watcher that falls behind
// loses notifications rather than stalling writers.
type hub struct {
	mu       sync.Mutex
	watchers map[chan interfaces.Change]struct{}
}

func newHub() *hub {
	return &hub{watchers: make(map[chan interfaces.Change]struct{})}
}

func (h *hub) watch(ctx context.Context) <-chan interfaces.Change {
	ch := make(chan interfaces.Change, watchBuffer)
	h.mu.Lock()
	h.watchers[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.watchers, ch)
		close(ch)
		h.mu.Unlock()
	}()
	return ch
}

func (h *hub) notify(c interfaces.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.watchers {
		select {
		case ch <- c:
		default:
		}
	}
}
