package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestWorkTrackerRecoversPanics(t *testing.T) {
	tr := NewWorkTracker(context.Background())
	errCh := make(chan error, 1)
	require.True(t, tr.Go("panicky", func(context.Context) error { panic("boom") }, func(err error) { errCh <- err }))

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, ErrWorkPanic))
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}
	require.NoError(t, tr.Wait(context.Background()))
}

func TestWorkTrackerRunsOnItsOwnContext(t *testing.T) {
	tr := NewWorkTracker(context.Background())
	release := make(chan struct{})
	finished := make(chan error, 1)
	tr.Go("slow", func(ctx context.Context) error {
		<-release
		finished <- ctx.Err()
		return nil
	}, nil)
	require.Equal(t, int64(1), tr.Inflight())

	close(release)
	require.NoError(t, <-finished)
	require.NoError(t, tr.Wait(context.Background()))
	require.Zero(t, tr.Inflight())
}

func TestWorkTrackerWaitIsBounded(t *testing.T) {
	tr := NewWorkTracker(context.Background())
	tr.Go("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	tr.Close()
	require.False(t, tr.Go("late", func(context.Context) error { return nil }, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, tr.Wait(ctx))
}
