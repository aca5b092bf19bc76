package core

import "sync"

// pendingQueue holds texts written to contacts whose key is still unknown.
type pendingQueue struct {
	mu     sync.Mutex
	max    int
	byPeer map[string][]string
}

func newPendingQueue(max int) *pendingQueue {
	return &pendingQueue{max: max, byPeer: make(map[string][]string)}
}

// add reports false when peer's queue is full.
func (q *pendingQueue) add(peer, text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.max > 0 && len(q.byPeer[peer]) >= q.max {
		return false
	}
	q.byPeer[peer] = append(q.byPeer[peer], text)
	return true
}

// take removes and returns peer's queue.
func (q *pendingQueue) take(peer string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	texts := q.byPeer[peer]
	delete(q.byPeer, peer)
	return texts
}

func (q *pendingQueue) size(peer string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byPeer[peer])
}
