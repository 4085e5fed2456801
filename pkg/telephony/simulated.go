package telephony

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rezaa1/rtllia/pkg/session"
)

// Simulated records calls instead of dialing. Used for local development.
type Simulated struct {
	mu    sync.Mutex
	calls []session.CallRequest
}

func NewSimulated() *Simulated {
	return &Simulated{}
}

func (s *Simulated) CreateCall(ctx context.Context, req session.CallRequest) (session.CallResult, error) {
	if err := ctx.Err(); err != nil {
		return session.CallResult{}, err
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	id := "sim-" + uuid.NewString()
	log.Info().Str("component", "telephony").Str("call_id", id).Str("to", req.ToNumber).Str("from", req.FromNumber).Msg("simulated call registered")
	return session.CallResult{CallID: id, Status: "registered"}, nil
}

func (s *Simulated) Calls() []session.CallRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.CallRequest(nil), s.calls...)
}
