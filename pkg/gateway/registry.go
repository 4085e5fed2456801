package gateway

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Registry maps session ids to the pool of connections joined to them.
// An empty pool is deleted as soon as its last member leaves.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*ConnectionPool
	closed   bool
}

type Stats struct {
	Sessions    int `json:"sessions"`
	Connections int `json:"connections"`
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*ConnectionPool{}}
}

// Register adds c to the pool of sessionID and arranges for it to be
// unregistered when its socket closes.
func (r *Registry) Register(sessionID string, c *Conn) error {
	if c == nil {
		return errors.New("register: nil connection")
	}
	if sessionID == "" || c.SessionID != sessionID {
		return errors.Wrapf(ErrSessionMismatch, "register %q into %q", c.SessionID, sessionID)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	pool, ok := r.sessions[sessionID]
	if !ok {
		pool = NewConnectionPool(sessionID)
		r.sessions[sessionID] = pool
	}
	pool.Add(c)
	r.mu.Unlock()

	c.OnClose(func(c *Conn) { r.Unregister(c.SessionID, c) })
	return nil
}

// Unregister removes c and deletes the session entry once it is empty.
func (r *Registry) Unregister(sessionID string, c *Conn) bool {
	if c == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pool, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	removed := pool.Remove(c)
	if pool.IsEmpty() {
		delete(r.sessions, sessionID)
	}
	return removed
}

// Broadcast marshals event once and enqueues it on every connection of
// sessionID except exclude. It returns the number of recipients.
func (r *Registry) Broadcast(sessionID string, event any, exclude *Conn) (int, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, errors.Wrap(err, "marshal event")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.sessions[sessionID]
	if !ok {
		return 0, nil
	}
	return pool.Broadcast(data, exclude), nil
}

// Send writes event to a single connection. Sends to closed connections
// are dropped silently.
func (r *Registry) Send(c *Conn, event any) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	c.Enqueue(data)
	return nil
}

func (r *Registry) Count(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID].Count()
}

func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	ids := lo.Keys(r.sessions)
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Connections is a snapshot of every registered connection.
func (r *Registry) Connections() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.FlatMap(lo.Values(r.sessions), func(pool *ConnectionPool, _ int) []*Conn {
		return pool.Snapshot()
	})
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Sessions: len(r.sessions)}
	for _, pool := range r.sessions {
		st.Connections += pool.Count()
	}
	return st
}

// CloseSession evicts every connection of sessionID immediately and sends
// each a close frame. It returns the number of evicted connections.
func (r *Registry) CloseSession(sessionID string, code int, reason string) int {
	r.mu.Lock()
	pool, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if !ok {
		return 0
	}
	conns := pool.Snapshot()
	pool.CloseAll(code, reason)
	return len(conns)
}

// CloseAll evicts every session and refuses further registrations.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	pools := lo.Values(r.sessions)
	r.sessions = map[string]*ConnectionPool{}
	r.closed = true
	r.mu.Unlock()
	for _, pool := range pools {
		pool.CloseAll(code, reason)
	}
}
