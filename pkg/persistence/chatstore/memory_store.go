package chatstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/rezaa1/rtllia/pkg/session"
)

// InMemoryStore is a size-limited, in-memory Store implementation.
// It mirrors the ordering semantics of the SQLite store.
type InMemoryStore struct {
	mu                    sync.Mutex
	maxMessagesPerSession int
	sessions              map[string]*session.Session
	messages              map[string][]session.Message
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore(maxMessagesPerSession int) *InMemoryStore {
	if maxMessagesPerSession <= 0 {
		maxMessagesPerSession = 5000
	}
	return &InMemoryStore{
		maxMessagesPerSession: maxMessagesPerSession,
		sessions:              map[string]*session.Session{},
		messages:              map[string][]session.Message{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateSession(_ context.Context, in session.Session) (session.Session, error) {
	if s == nil {
		return session.Session{}, errors.New("in-memory chat store: nil store")
	}
	rec, err := normalizeSession(in, time.Now().UTC())
	if err != nil {
		return session.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.ID]; ok {
		return session.Session{}, errors.Errorf("in-memory chat store: session %s already exists", rec.ID)
	}
	s.sessions[rec.ID] = cloneSession(&rec)
	return rec, nil
}

func (s *InMemoryStore) Find(_ context.Context, sessionID, organizationID string) (*session.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok || rec.OrganizationID != organizationID {
		return nil, false, nil
	}
	return cloneSession(rec), true, nil
}

func (s *InMemoryStore) Get(_ context.Context, sessionID string) (*session.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, false, nil
	}
	return cloneSession(rec), true, nil
}

func (s *InMemoryStore) Touch(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return errors.Wrap(session.ErrSessionNotFound, sessionID)
	}
	rec.UpdatedAt = at
	return nil
}

func (s *InMemoryStore) SetVoiceMode(_ context.Context, sessionID string, call session.CallDetails, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return errors.Wrap(session.ErrSessionNotFound, sessionID)
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	rec.Metadata[session.MetadataCallDetails] = call.AsMap()
	rec.Mode = session.ModeVoice
	rec.UpdatedAt = at
	return nil
}

func (s *InMemoryStore) EndSession(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return errors.Wrap(session.ErrSessionNotFound, sessionID)
	}
	rec.Status = session.StatusEnded
	t := at
	rec.EndedAt = &t
	rec.UpdatedAt = at
	return nil
}

func (s *InMemoryStore) Append(_ context.Context, in session.Message) (session.Message, error) {
	msg, err := normalizeMessage(in, time.Now().UTC())
	if err != nil {
		return session.Message{}, err
	}
	msg.Metadata = cloneMap(msg.Metadata)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[msg.SessionID]; !ok {
		return session.Message{}, errors.Wrap(session.ErrSessionNotFound, msg.SessionID)
	}
	list := append(s.messages[msg.SessionID], msg)
	// stable so equal timestamps keep append order
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	if len(list) > s.maxMessagesPerSession {
		list = list[len(list)-s.maxMessagesPerSession:]
	}
	s.messages[msg.SessionID] = list
	return msg, nil
}

func (s *InMemoryStore) ListRecent(_ context.Context, sessionID string, limit int) ([]session.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messages[sessionID]
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return append([]session.Message{}, list...), nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, sessionID string) ([]session.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Message{}, s.messages[sessionID]...), nil
}
