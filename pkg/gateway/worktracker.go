package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrWorkPanic is reported to onError when a unit of work panicked.
var ErrWorkPanic = errors.New("work unit panicked")

// WorkTracker runs units of work on a context owned by the server rather
// than by the connection that asked for them. Each unit has its own panic
// boundary; Wait lets shutdown drain in-flight units.
type WorkTracker struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	inflight atomic.Int64
}

func NewWorkTracker(parent context.Context) *WorkTracker {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &WorkTracker{ctx: ctx, cancel: cancel}
}

// Go starts fn unless the tracker is closed. Errors and panics are passed to
// onError; it runs on the unit's goroutine.
func (t *WorkTracker) Go(name string, fn func(ctx context.Context) error, onError func(error)) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.wg.Add(1)
	t.mu.Unlock()

	t.inflight.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.inflight.Add(-1)

		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("component", "gateway").Str("work", name).Interface("panic", r).Msg("work unit panicked")
					err = errors.Wrapf(ErrWorkPanic, "%s: %v", name, r)
				}
			}()
			return fn(t.ctx)
		}()
		if err != nil && onError != nil {
			onError(err)
		}
	}()
	return true
}

func (t *WorkTracker) Inflight() int64 { return t.inflight.Load() }

// Close stops accepting new units. Running units are not interrupted.
func (t *WorkTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Wait blocks until every started unit returned or ctx is done. On timeout
// the shared context is canceled so stragglers observe it.
func (t *WorkTracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		return errors.Wrap(ctx.Err(), "waiting for in-flight work")
	}
}
