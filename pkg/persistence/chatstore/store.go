package chatstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rezaa1/rtllia/pkg/session"
)

// Store is the persistence the gateway and the development CLI need: the
// gateway ports plus the create/end operations normally done over REST.
type Store interface {
	session.SessionStore
	session.MessageStore
	CreateSession(ctx context.Context, s session.Session) (session.Session, error)
	EndSession(ctx context.Context, sessionID string, at time.Time) error
	ListMessages(ctx context.Context, sessionID string) ([]session.Message, error)
	Close() error
}

// SQLiteDSNForFile builds a DSN tuned for one writer with concurrent readers.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite chat store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func normalizeSession(s session.Session, now time.Time) (session.Session, error) {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.OrganizationID = strings.TrimSpace(s.OrganizationID)
	if s.OrganizationID == "" {
		return session.Session{}, errors.New("chat store: organization id is empty")
	}
	if strings.TrimSpace(s.AgentID) == "" {
		return session.Session{}, errors.New("chat store: agent id is empty")
	}
	if s.VisitorID == "" {
		s.VisitorID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = session.StatusActive
	}
	if s.Mode == "" {
		s.Mode = session.ModeChat
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	return s, nil
}

func normalizeMessage(m session.Message, now time.Time) (session.Message, error) {
	if strings.TrimSpace(m.SessionID) == "" {
		return session.Message{}, errors.Wrap(session.ErrInvalidMessage, "session id is empty")
	}
	if !session.ValidSenderType(m.SenderType) {
		return session.Message{}, errors.Wrapf(session.ErrInvalidMessage, "sender type %q", m.SenderType)
	}
	if m.MessageType == "" {
		m.MessageType = session.MessageText
	}
	if !session.ValidMessageType(m.MessageType) {
		return session.Message{}, errors.Wrapf(session.ErrInvalidMessage, "message type %q", m.MessageType)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	return m, nil
}

func cloneSession(s *session.Session) *session.Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Metadata = cloneMap(s.Metadata)
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
