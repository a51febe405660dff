package house

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/auctionhouse/internal/protocol"
	"github.com/atmx/auctionhouse/internal/session"
)

// Registry maps agent ids to their sessions. Broadcasts take the read lock
// so they proceed concurrently with each other; connects and disconnects
// take the write lock.
type Registry struct {
	mu     sync.RWMutex
	agents map[int]*session.Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[int]*session.Session)}
}

// Register binds id to sess and returns the session it replaced, if any.
func (r *Registry) Register(id int, sess *session.Session) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.agents[id]
	if prev == sess {
		return nil
	}
	r.agents[id] = sess
	return prev
}

// Unregister removes id only while it is still bound to sess, so a closing
// stale session cannot evict its replacement.
func (r *Registry) Unregister(id int, sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.agents[id] == sess {
		delete(r.agents, id)
	}
}

// Len is the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// IDs returns the registered agent ids in ascending order.
func (r *Registry) IDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// SendTo queues msg for one agent.
func (r *Registry) SendTo(id int, msg protocol.Message) error {
	r.mu.RLock()
	sess, ok := r.agents[id]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("agent %d not connected", id)
	}
	return sess.Send(msg)
}

// Broadcast queues msg for every agent. A slow agent whose outbox is full
// is dropped by its own session; the others are unaffected.
func (r *Registry) Broadcast(msg protocol.Message) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sess := range r.agents {
		_ = sess.Send(msg)
	}
}
