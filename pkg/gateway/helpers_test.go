package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/rezaa1/rtllia/pkg/persistence/chatstore"
	"github.com/rezaa1/rtllia/pkg/session"
)

type stubConn struct {
	mu         sync.Mutex
	writes     int
	pings      int
	closeCodes []int
	blockCh    chan struct{}
	closedCh   chan struct{}
	frames     chan []byte
}

func newStubConn(blockWrites bool) *stubConn {
	blockCh := make(chan struct{})
	if !blockWrites {
		close(blockCh)
	}
	return &stubConn{blockCh: blockCh, closedCh: make(chan struct{}), frames: make(chan []byte, 256)}
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closedCh:
		return errors.New("closed")
	case <-s.blockCh:
	}
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	s.frames <- append([]byte(nil), data...)
	return nil
}

func (s *stubConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	select {
	case <-s.closedCh:
		return errors.New("closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch messageType {
	case websocket.PingMessage:
		s.pings++
	case websocket.CloseMessage:
		code := websocket.CloseNoStatusReceived
		if len(data) >= 2 {
			code = int(binary.BigEndian.Uint16(data[:2]))
		}
		s.closeCodes = append(s.closeCodes, code)
	}
	return nil
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closedCh:
		return nil
	default:
		close(s.closedCh)
		return nil
	}
}

func (s *stubConn) SetWriteDeadline(_ time.Time) error {
	return nil
}

func (s *stubConn) isClosed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

func (s *stubConn) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *stubConn) lastCloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.closeCodes) == 0 {
		return 0
	}
	return s.closeCodes[len(s.closeCodes)-1]
}

// nextEvent waits for the next frame written to s and decodes it.
func nextEvent(t *testing.T, s *stubConn) map[string]any {
	t.Helper()
	select {
	case data := <-s.frames:
		var ev map[string]any
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func requireNoEvent(t *testing.T, s *stubConn, wait time.Duration) {
	t.Helper()
	select {
	case data := <-s.frames:
		t.Fatalf("unexpected event: %s", data)
	case <-time.After(wait):
	}
}

func newTestConn(t *testing.T, sessionID, userID string) (*Conn, *stubConn) {
	t.Helper()
	sc := newStubConn(false)
	c := NewConn(sc, ConnOptions{SessionID: sessionID, UserID: userID, OrganizationID: "org-1"})
	t.Cleanup(func() {
		c.Terminate()
		c.Wait()
	})
	return c, sc
}

func registerTestConn(t *testing.T, r *Registry, sessionID, userID string) (*Conn, *stubConn) {
	t.Helper()
	c, sc := newTestConn(t, sessionID, userID)
	require.NoError(t, r.Register(sessionID, c))
	return c, sc
}

func newSeededStore(t *testing.T, sessions ...session.Session) *chatstore.InMemoryStore {
	t.Helper()
	store := chatstore.NewInMemoryStore(0)
	for _, s := range sessions {
		_, err := store.CreateSession(context.Background(), s)
		require.NoError(t, err)
	}
	return store
}

// responderFunc adapts a function to session.Responder.
type responderFunc func(ctx context.Context, req session.ResponseRequest) (session.Reply, error)

func (f responderFunc) Respond(ctx context.Context, req session.ResponseRequest) (session.Reply, error) {
	return f(ctx, req)
}

func echoResponder() responderFunc {
	return func(_ context.Context, req session.ResponseRequest) (session.Reply, error) {
		return session.Reply{Message: "echo: " + req.Content, Metadata: map[string]any{"model": "test"}}, nil
	}
}

type telephonyFunc func(ctx context.Context, req session.CallRequest) (session.CallResult, error)

func (f telephonyFunc) CreateCall(ctx context.Context, req session.CallRequest) (session.CallResult, error) {
	return f(ctx, req)
}
