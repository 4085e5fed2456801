package gateway

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestRegistryBroadcastIsolation(t *testing.T) {
	r := NewRegistry()
	_, a1 := registerTestConn(t, r, "s1", "u1")
	_, a2 := registerTestConn(t, r, "s1", "u2")
	_, b1 := registerTestConn(t, r, "s2", "u3")

	n, err := r.Broadcast("s1", newPong(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Equal(t, TypePong, nextEvent(t, a1)["type"])
	require.Equal(t, TypePong, nextEvent(t, a2)["type"])
	requireNoEvent(t, b1, 50*time.Millisecond)
}

func TestRegistryBroadcastExcludesSender(t *testing.T) {
	r := NewRegistry()
	sender, s1 := registerTestConn(t, r, "s1", "u1")
	_, s2 := registerTestConn(t, r, "s1", "u2")

	n, err := r.Broadcast("s1", newTyping(TypeTypingStart, "u1"), sender)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "u1", nextEvent(t, s2)["senderId"])
	requireNoEvent(t, s1, 50*time.Millisecond)
}

func TestRegistryBroadcastUnknownSessionIsNoop(t *testing.T) {
	r := NewRegistry()
	n, err := r.Broadcast("missing", newPong(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRegistryUnregisterDeletesEmptySession(t *testing.T) {
	r := NewRegistry()
	a, _ := registerTestConn(t, r, "s1", "u1")
	b, _ := registerTestConn(t, r, "s1", "u2")
	require.Equal(t, []string{"s1"}, r.SessionIDs())

	require.True(t, r.Unregister("s1", a))
	require.Equal(t, 1, r.Count("s1"))
	require.True(t, r.Unregister("s1", b))
	require.Empty(t, r.SessionIDs())
	require.False(t, r.Unregister("s1", b))
}

func TestRegistryUnregistersOnSocketClose(t *testing.T) {
	r := NewRegistry()
	c, _ := registerTestConn(t, r, "s1", "u1")
	c.Terminate()
	c.Wait()
	require.Zero(t, r.Count("s1"))
	require.Empty(t, r.SessionIDs())
}

func TestRegistryRejectsMismatchedSession(t *testing.T) {
	r := NewRegistry()
	c, _ := newTestConn(t, "s1", "u1")
	require.ErrorIs(t, r.Register("s2", c), ErrSessionMismatch)
}

func TestRegistryCloseSessionEvictsImmediately(t *testing.T) {
	r := NewRegistry()
	a, sa := registerTestConn(t, r, "s1", "u1")
	_, sb := registerTestConn(t, r, "s2", "u2")

	require.Equal(t, 1, r.CloseSession("s1", websocket.CloseNormalClosure, sessionEndedReason))
	require.Zero(t, r.Count("s1"))
	a.Wait()
	require.Equal(t, websocket.CloseNormalClosure, sa.lastCloseCode())
	require.False(t, sb.isClosed())
	require.Equal(t, Stats{Sessions: 1, Connections: 1}, r.Stats())
}

func TestRegistryCloseAllRefusesNewConnections(t *testing.T) {
	r := NewRegistry()
	a, sa := registerTestConn(t, r, "s1", "u1")
	r.CloseAll(websocket.CloseGoingAway, "bye")
	a.Wait()
	require.Equal(t, websocket.CloseGoingAway, sa.lastCloseCode())

	c, _ := newTestConn(t, "s1", "u2")
	require.ErrorIs(t, r.Register("s1", c), ErrRegistryClosed)
}

func TestRegistryConcurrentMembershipChanges(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessionID := fmt.Sprintf("s%d", i%4)
			c, _ := newTestConn(t, sessionID, fmt.Sprintf("u%d", i))
			require.NoError(t, r.Register(sessionID, c))
			for j := 0; j < 10; j++ {
				_, err := r.Broadcast(sessionID, newPong(), nil)
				require.NoError(t, err)
			}
			r.Unregister(sessionID, c)
		}(i)
	}
	wg.Wait()
	require.Empty(t, r.SessionIDs())
	require.Equal(t, Stats{}, r.Stats())
}
