package server

import (
	"sync"

	"github.com/teris-io/shortid"
)

type pendingAck struct {
	userId string
	done   chan struct{}
}

// ackTable tracks server emits waiting for a client acknowledgement.
type ackTable struct {
	mu      sync.Mutex
	pending map[string]*pendingAck
}

func newAckTable() *ackTable {
	return &ackTable{pending: make(map[string]*pendingAck)}
}

// add registers a new pending ack owned by userId and returns its id and the
// channel closed when it resolves.
func (t *ackTable) add(userId string) (string, <-chan struct{}) {
	id := shortid.MustGenerate()
	p := &pendingAck{userId: userId, done: make(chan struct{})}

	t.mu.Lock()
	t.pending[id] = p
	t.mu.Unlock()

	return id, p.done
}

// resolve completes the pending ack if it exists and belongs to userId.
func (t *ackTable) resolve(id, userId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok || p.userId != userId {
		return false
	}

	delete(t.pending, id)
	close(p.done)
	return true
}

func (t *ackTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

func (t *ackTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
