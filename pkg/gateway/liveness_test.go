package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestSweepTerminatesSilentConnection(t *testing.T) {
	r := NewRegistry()
	c, sc := registerTestConn(t, r, "s1", "u1")
	sup := NewLivenessSupervisor(r, nil, time.Hour, 0)

	sup.Sweep(context.Background())
	require.Equal(t, 1, sc.pingCount())
	require.False(t, c.Closed())

	sup.Sweep(context.Background())
	c.Wait()
	require.True(t, sc.isClosed())
	require.Zero(t, r.Count("s1"))
}

func TestSweepKeepsResponsiveConnection(t *testing.T) {
	r := NewRegistry()
	c, sc := registerTestConn(t, r, "s1", "u1")
	sup := NewLivenessSupervisor(r, nil, time.Hour, 0)

	for i := 0; i < 3; i++ {
		sup.Sweep(context.Background())
		c.MarkAlive()
	}
	require.False(t, c.Closed())
	require.Equal(t, 3, sc.pingCount())
	require.Equal(t, 1, r.Count("s1"))
}

func TestSweepEvictsEndedSessions(t *testing.T) {
	ended := activeSession("s-ended")
	store := newSeededStore(t, activeSession("s1"), ended)
	require.NoError(t, store.EndSession(context.Background(), "s-ended", time.Now()))

	r := NewRegistry()
	_, live := registerTestConn(t, r, "s1", "u1")
	gone, goneSC := registerTestConn(t, r, "s-ended", "u2")
	_, orphanSC := registerTestConn(t, r, "s-missing", "u3")

	NewLivenessSupervisor(r, store, time.Hour, time.Second).Sweep(context.Background())

	gone.Wait()
	require.Equal(t, websocket.CloseNormalClosure, goneSC.lastCloseCode())
	require.Eventually(t, orphanSC.isClosed, time.Second, 10*time.Millisecond)
	require.False(t, live.isClosed())
	require.Equal(t, []string{"s1"}, r.SessionIDs())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := NewRegistry()
	_, sc := registerTestConn(t, r, "s1", "u1")
	sup := NewLivenessSupervisor(r, nil, 10*time.Millisecond, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sc.pingCount() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
}
