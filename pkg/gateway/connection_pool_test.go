package gateway

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestConnectionPoolDropsOnFullBuffer(t *testing.T) {
	pool := NewConnectionPool("s1")

	sc := newStubConn(true)
	conn := NewConn(sc, ConnOptions{SessionID: "s1", SendBuffer: 1})
	conn.OnClose(func(c *Conn) { pool.Remove(c) })
	pool.Add(conn)

	pool.Broadcast([]byte("one"), nil)
	pool.Broadcast([]byte("two"), nil)
	pool.Broadcast([]byte("three"), nil)

	require.Eventually(t, func() bool {
		return pool.Count() == 0
	}, time.Second, 10*time.Millisecond)
	require.True(t, sc.isClosed())
}

func TestConnectionPoolBroadcastSkipsExcluded(t *testing.T) {
	pool := NewConnectionPool("s1")
	a, sa := newTestConn(t, "s1", "u1")
	b, sb := newTestConn(t, "s1", "u2")
	pool.Add(a)
	pool.Add(b)

	sent := pool.Broadcast([]byte(`{"type":"x"}`), a)
	require.Equal(t, 1, sent)
	require.Equal(t, "x", nextEvent(t, sb)["type"])
	requireNoEvent(t, sa, 50*time.Millisecond)
}

func TestConnCloseWithWritesCloseFrameAfterPendingWrites(t *testing.T) {
	c, sc := newTestConn(t, "s1", "u1")
	require.True(t, c.Enqueue([]byte(`{"type":"last"}`)))
	c.CloseWith(websocket.CloseNormalClosure, "bye")
	c.Wait()

	require.Equal(t, "last", nextEvent(t, sc)["type"])
	require.Equal(t, websocket.CloseNormalClosure, sc.lastCloseCode())
	require.True(t, sc.isClosed())
	require.False(t, c.Enqueue([]byte("late")))
}

func TestConnOnCloseAfterFinishRunsImmediately(t *testing.T) {
	c, _ := newTestConn(t, "s1", "u1")
	c.Terminate()
	c.Wait()

	called := false
	c.OnClose(func(*Conn) { called = true })
	require.True(t, called)
}
