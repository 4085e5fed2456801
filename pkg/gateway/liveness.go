package gateway

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rezaa1/rtllia/pkg/session"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	sessionEndedReason       = "Session ended"
)

// LivenessSupervisor pings every registered connection on a fixed interval
// and terminates those that did not answer the previous ping. It also evicts
// sessions that ended while connections were still attached.
type LivenessSupervisor struct {
	registry      *Registry
	sessions      session.SessionStore
	interval      time.Duration
	lookupTimeout time.Duration
}

// NewLivenessSupervisor builds a supervisor. sessions may be nil, in which
// case only connection liveness is checked.
func NewLivenessSupervisor(registry *Registry, sessions session.SessionStore, interval, lookupTimeout time.Duration) *LivenessSupervisor {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	if lookupTimeout <= 0 {
		lookupTimeout = defaultStoreTimeout
	}
	return &LivenessSupervisor{
		registry:      registry,
		sessions:      sessions,
		interval:      interval,
		lookupTimeout: lookupTimeout,
	}
}

func (s *LivenessSupervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one liveness pass. It never panics.
func (s *LivenessSupervisor) Sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "liveness").Interface("panic", r).Msg("liveness sweep panicked")
		}
	}()

	terminated := 0
	for _, c := range s.registry.Connections() {
		if !c.takeAlive() {
			c.Terminate()
			terminated++
			continue
		}
		if err := c.Ping(); err != nil {
			log.Debug().Err(err).Str("component", "liveness").Str("conn_id", c.ID).Msg("ping failed")
		}
	}
	evicted := s.evictEnded(ctx)
	if terminated > 0 || evicted > 0 {
		log.Info().Str("component", "liveness").Int("terminated", terminated).Int("evicted_sessions", evicted).Msg("liveness sweep")
	}
}

func (s *LivenessSupervisor) evictEnded(ctx context.Context) int {
	if s.sessions == nil {
		return 0
	}
	evicted := 0
	for _, id := range s.registry.SessionIDs() {
		if ctx.Err() != nil {
			return evicted
		}
		lctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
		sess, ok, err := s.sessions.Get(lctx, id)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("component", "liveness").Str("session_id", id).Msg("session lookup failed")
			continue
		}
		if ok && sess.IsActive() {
			continue
		}
		if s.registry.CloseSession(id, websocket.CloseNormalClosure, sessionEndedReason) > 0 {
			evicted++
		}
	}
	return evicted
}
