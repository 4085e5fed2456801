//go:generate go run go.uber.org/mock/mockgen -source=ports.go -destination=mocks/mock_ports.go -package=mocks
package session

import (
	"context"
	"time"
)

// SessionStore is the read/update surface the gateway needs from the session
// persistence owned by the REST side.
type SessionStore interface {
	// Find returns the session only when it belongs to organizationID.
	Find(ctx context.Context, sessionID, organizationID string) (*Session, bool, error)
	Get(ctx context.Context, sessionID string) (*Session, bool, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
	SetVoiceMode(ctx context.Context, sessionID string, call CallDetails, at time.Time) error
}

type MessageStore interface {
	Append(ctx context.Context, msg Message) (Message, error)
	// ListRecent returns at most limit of the newest messages, ascending by CreatedAt.
	ListRecent(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

type ResponseRequest struct {
	AgentID   string
	SessionID string
	Content   string
	History   []Message
}

type Reply struct {
	Message  string
	Metadata map[string]any
}

// Responder produces the agent's natural-language reply.
type Responder interface {
	Respond(ctx context.Context, req ResponseRequest) (Reply, error)
}

type CallRequest struct {
	FromNumber      string
	ToNumber        string
	ProviderAgentID string
}

type CallResult struct {
	CallID string
	Status string
}

// Telephony places the outbound call of a chat to voice transition.
type Telephony interface {
	CreateCall(ctx context.Context, req CallRequest) (CallResult, error)
}

// EventPublisher exports domain events. Publishing is best effort: the
// gateway logs failures and carries on.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}
