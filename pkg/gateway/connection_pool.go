package gateway

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// ConnectionPool holds the connections of one session.
// It centralizes broadcasting so registry logic stays small.
type ConnectionPool struct {
	sessionID string
	mu        sync.Mutex
	conns     map[*Conn]struct{}
}

func NewConnectionPool(sessionID string) *ConnectionPool {
	return &ConnectionPool{
		sessionID: sessionID,
		conns:     map[*Conn]struct{}{},
	}
}

func (cp *ConnectionPool) Add(conn *Conn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	cp.mu.Unlock()
}

// Remove reports whether conn was a member.
func (cp *ConnectionPool) Remove(conn *Conn) bool {
	if cp == nil || conn == nil {
		return false
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return false
	}
	delete(cp.conns, conn)
	return true
}

// Broadcast enqueues data on every member except exclude and returns the
// number of connections that accepted it. Closed members are skipped.
func (cp *ConnectionPool) Broadcast(data []byte, exclude *Conn) int {
	if cp == nil || len(data) == 0 {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	sent := 0
	for conn := range cp.conns {
		if conn == exclude {
			continue
		}
		if conn.Enqueue(data) {
			sent++
			continue
		}
		log.Debug().Str("component", "gateway").Str("session_id", cp.sessionID).Str("conn_id", conn.ID).Msg("skipping closed connection")
	}
	return sent
}

func (cp *ConnectionPool) Snapshot() []*Conn {
	if cp == nil {
		return nil
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	out := make([]*Conn, 0, len(cp.conns))
	for conn := range cp.conns {
		out = append(out, conn)
	}
	return out
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

// CloseAll sends a close frame to every member. Members leave the pool
// through their close hooks once the frame has been written.
func (cp *ConnectionPool) CloseAll(code int, reason string) {
	for _, conn := range cp.Snapshot() {
		conn.CloseWith(code, reason)
	}
}
