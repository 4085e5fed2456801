package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/rezaa1/rtllia/pkg/session"
)

const (
	// DefaultFromNumber is used when neither the organization nor the
	// configuration provides a caller number.
	DefaultFromNumber       = "+15555555555"
	defaultTelephonyTimeout = 15 * time.Second
)

type ModeMachineConfig struct {
	Sessions         session.SessionStore
	Messages         session.MessageStore
	Telephony        session.Telephony
	Registry         *Registry
	Publisher        session.EventPublisher
	FromNumber       string
	OrgNumbers       map[string]string
	TelephonyTimeout time.Duration
	StoreTimeout     time.Duration
}

// ModeMachine drives the chat -> voice transition of a session. At most one
// transition per session is in flight.
type ModeMachine struct {
	sessions         session.SessionStore
	messages         session.MessageStore
	telephony        session.Telephony
	registry         *Registry
	publisher        session.EventPublisher
	fromNumber       string
	orgNumbers       map[string]string
	telephonyTimeout time.Duration
	storeTimeout     time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
}

func NewModeMachine(cfg ModeMachineConfig) (*ModeMachine, error) {
	if cfg.Sessions == nil || cfg.Messages == nil {
		return nil, errors.New("mode machine: session and message stores are required")
	}
	if cfg.Telephony == nil {
		return nil, errors.New("mode machine: telephony is nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("mode machine: registry is nil")
	}
	m := &ModeMachine{
		sessions:         cfg.Sessions,
		messages:         cfg.Messages,
		telephony:        cfg.Telephony,
		registry:         cfg.Registry,
		publisher:        cfg.Publisher,
		fromNumber:       cfg.FromNumber,
		orgNumbers:       map[string]string{},
		telephonyTimeout: cfg.TelephonyTimeout,
		storeTimeout:     cfg.StoreTimeout,
		pending:          map[string]struct{}{},
	}
	for org, num := range cfg.OrgNumbers {
		m.orgNumbers[org] = num
	}
	if m.fromNumber == "" {
		m.fromNumber = DefaultFromNumber
	}
	if m.telephonyTimeout <= 0 {
		m.telephonyTimeout = defaultTelephonyTimeout
	}
	if m.storeTimeout <= 0 {
		m.storeTimeout = defaultStoreTimeout
	}
	return m, nil
}

// FromNumber is the caller number used for organizationID.
func (m *ModeMachine) FromNumber(organizationID string) string {
	if n, ok := m.orgNumbers[organizationID]; ok && n != "" {
		return n
	}
	return m.fromNumber
}

// HandleChange places the outbound call and switches the session to voice.
// Every request places a new call, also when the session is already in voice
// mode. A failed call leaves the session in its current mode.
func (m *ModeMachine) HandleChange(ctx context.Context, c *Conn, req ModeChangeRequest) error {
	if session.Mode(req.Mode) != session.ModeVoice {
		return validationError(msgInvalidModeChange)
	}
	if !m.begin(c.SessionID) {
		return validationError(msgModeChangeBusy)
	}
	defer m.end(c.SessionID)

	logger := log.With().
		Str("component", "gateway").
		Str("session_id", c.SessionID).
		Str("conn_id", c.ID).
		Logger()

	sess, err := loadActiveSession(ctx, m.sessions, m.storeTimeout, c)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, m.telephonyTimeout)
	call, err := m.telephony.CreateCall(cctx, session.CallRequest{
		FromNumber:      m.FromNumber(c.OrganizationID),
		ToNumber:        req.PhoneNumber,
		ProviderAgentID: sess.ProviderAgentID,
	})
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("create call failed, staying in chat mode")
		return providerError(msgFailedToChangeMode, err)
	}
	logger.Info().Str("call_id", call.CallID).Str("call_status", call.Status).Msg("voice call created")

	details := session.CallDetails{
		ProviderCallID: call.CallID,
		Status:         call.Status,
		PhoneNumber:    req.PhoneNumber,
	}
	now := time.Now().UTC()

	sctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	sysMsg, err := m.messages.Append(sctx, session.Message{
		SessionID:   sess.ID,
		SenderType:  session.SenderSystem,
		MessageType: session.MessageSystem,
		Content:     fmt.Sprintf("Transitioning to voice call. Calling %s...", req.PhoneNumber),
		Metadata:    map[string]any{"callId": call.CallID, "status": call.Status},
		CreatedAt:   now,
	})
	if err != nil {
		return internalError(errors.Wrap(err, "persist transition message"))
	}
	if err := m.sessions.SetVoiceMode(sctx, sess.ID, details, now); err != nil {
		logger.Error().Err(err).
			Str("call_id", call.CallID).
			Str("phone_number", req.PhoneNumber).
			Msg("call placed but session not switched to voice")
		return internalError(errors.Wrap(err, "switch session to voice"))
	}

	if _, err := m.registry.Broadcast(sess.ID, ModeChangedEvent{
		Type:        TypeModeChanged,
		Mode:        session.ModeVoice,
		CallDetails: details,
		Message:     NewWireMessage(sysMsg),
		Timestamp:   Timestamp(now),
	}, nil); err != nil {
		logger.Warn().Err(err).Msg("broadcast mode change failed")
	}

	publish(ctx, m.publisher, m.storeTimeout, session.Event{
		Kind:           session.EventMessagePersisted,
		SessionID:      sess.ID,
		OrganizationID: c.OrganizationID,
		Message:        &sysMsg,
		At:             sysMsg.CreatedAt,
	})
	publish(ctx, m.publisher, m.storeTimeout, session.Event{
		Kind:           session.EventModeChanged,
		SessionID:      sess.ID,
		OrganizationID: c.OrganizationID,
		Call:           &details,
		At:             now,
	})
	return nil
}

func (m *ModeMachine) begin(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.pending[sessionID]; busy {
		return false
	}
	m.pending[sessionID] = struct{}{}
	return true
}

func (m *ModeMachine) end(sessionID string) {
	m.mu.Lock()
	delete(m.pending, sessionID)
	m.mu.Unlock()
}
