package gateway

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rezaa1/rtllia/pkg/session"
)

// FallbackReply is stored and broadcast when the responder fails or times out.
const FallbackReply = "I'm sorry, I encountered an error processing your request. Please try again later."

const (
	defaultHistoryLimit     = 20
	defaultResponderTimeout = 30 * time.Second
	defaultStoreTimeout     = 5 * time.Second
)

type OrchestratorConfig struct {
	Sessions         session.SessionStore
	Messages         session.MessageStore
	Responder        session.Responder
	Registry         *Registry
	Publisher        session.EventPublisher
	ResponderTimeout time.Duration
	StoreTimeout     time.Duration
	HistoryLimit     int
}

// MessageOrchestrator runs the user message -> agent reply cycle of a session.
type MessageOrchestrator struct {
	sessions         session.SessionStore
	messages         session.MessageStore
	responder        session.Responder
	registry         *Registry
	publisher        session.EventPublisher
	responderTimeout time.Duration
	storeTimeout     time.Duration
	historyLimit     int
}

func NewMessageOrchestrator(cfg OrchestratorConfig) (*MessageOrchestrator, error) {
	if cfg.Sessions == nil || cfg.Messages == nil {
		return nil, errors.New("orchestrator: session and message stores are required")
	}
	if cfg.Responder == nil {
		return nil, errors.New("orchestrator: responder is nil")
	}
	if cfg.Registry == nil {
		return nil, errors.New("orchestrator: registry is nil")
	}
	o := &MessageOrchestrator{
		sessions:         cfg.Sessions,
		messages:         cfg.Messages,
		responder:        cfg.Responder,
		registry:         cfg.Registry,
		publisher:        cfg.Publisher,
		responderTimeout: cfg.ResponderTimeout,
		storeTimeout:     cfg.StoreTimeout,
		historyLimit:     cfg.HistoryLimit,
	}
	if o.responderTimeout <= 0 {
		o.responderTimeout = defaultResponderTimeout
	}
	if o.storeTimeout <= 0 {
		o.storeTimeout = defaultStoreTimeout
	}
	if o.historyLimit <= 0 {
		o.historyLimit = defaultHistoryLimit
	}
	return o, nil
}

// HandleSend persists the user's message, asks the responder for a reply and
// broadcasts message:received, typing:start, typing:stop and the reply in
// that order. It runs to completion even if every connection of the session
// has gone away.
func (o *MessageOrchestrator) HandleSend(ctx context.Context, c *Conn, req MessageSendRequest) error {
	logger := log.With().
		Str("component", "gateway").
		Str("session_id", c.SessionID).
		Str("conn_id", c.ID).
		Logger()

	sess, err := loadActiveSession(ctx, o.sessions, o.storeTimeout, c)
	if err != nil {
		return err
	}

	msgType := session.MessageType(req.MessageType)
	if msgType == "" {
		msgType = session.MessageText
	}
	meta := req.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	userMsg, err := o.append(ctx, c.OrganizationID, session.Message{
		SessionID:   sess.ID,
		SenderType:  session.SenderUser,
		MessageType: msgType,
		Content:     req.Content,
		Metadata:    meta,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return internalError(errors.Wrap(err, "persist user message"))
	}
	o.broadcast(sess.ID, newMessageReceived(userMsg))
	o.broadcast(sess.ID, newTyping(TypeTypingStart, AgentSenderID))

	reply := o.respond(ctx, logger, sess, userMsg)

	agentMsg, err := o.append(ctx, c.OrganizationID, session.Message{
		SessionID:   sess.ID,
		SenderType:  session.SenderAgent,
		MessageType: session.MessageText,
		Content:     reply.Message,
		Metadata:    reply.Metadata,
		CreatedAt:   time.Now().UTC(),
	})
	o.broadcast(sess.ID, newTyping(TypeTypingStop, AgentSenderID))
	if err != nil {
		return internalError(errors.Wrap(err, "persist agent message"))
	}
	o.broadcast(sess.ID, newMessageReceived(agentMsg))

	touchCtx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	if err := o.sessions.Touch(touchCtx, sess.ID, time.Now().UTC()); err != nil {
		logger.Warn().Err(err).Msg("touch session failed")
	}
	return nil
}

func (o *MessageOrchestrator) respond(ctx context.Context, logger zerolog.Logger, sess *session.Session, userMsg session.Message) session.Reply {
	history := o.history(ctx, logger, sess.ID, userMsg)

	rctx, cancel := context.WithTimeout(ctx, o.responderTimeout)
	defer cancel()
	reply, err := o.responder.Respond(rctx, session.ResponseRequest{
		AgentID:   sess.AgentID,
		SessionID: sess.ID,
		Content:   userMsg.Content,
		History:   history,
	})
	if err == nil && rctx.Err() != nil {
		err = rctx.Err()
	}
	if err != nil {
		logger.Warn().Err(err).Str("agent_id", sess.AgentID).Msg("responder failed, sending fallback reply")
		return session.Reply{
			Message:  FallbackReply,
			Metadata: map[string]any{"error": err.Error()},
		}
	}
	if reply.Metadata == nil {
		reply.Metadata = map[string]any{}
	}
	return reply
}

// history is the newest messages of the session, ascending. A failed read
// degrades to the message just sent.
func (o *MessageOrchestrator) history(ctx context.Context, logger zerolog.Logger, sessionID string, userMsg session.Message) []session.Message {
	hctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	msgs, err := o.messages.ListRecent(hctx, sessionID, o.historyLimit)
	if err != nil {
		logger.Warn().Err(err).Msg("load history failed")
		return []session.Message{userMsg}
	}
	return msgs
}

func (o *MessageOrchestrator) append(ctx context.Context, orgID string, msg session.Message) (session.Message, error) {
	actx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	stored, err := o.messages.Append(actx, msg)
	if err != nil {
		return session.Message{}, err
	}
	publish(ctx, o.publisher, o.storeTimeout, session.Event{
		Kind:           session.EventMessagePersisted,
		SessionID:      stored.SessionID,
		OrganizationID: orgID,
		Message:        &stored,
		At:             stored.CreatedAt,
	})
	return stored, nil
}

func (o *MessageOrchestrator) broadcast(sessionID string, event any) {
	if _, err := o.registry.Broadcast(sessionID, event, nil); err != nil {
		log.Warn().Err(err).Str("component", "gateway").Str("session_id", sessionID).Msg("broadcast failed")
	}
}

// loadActiveSession resolves the connection's session within its organization.
func loadActiveSession(ctx context.Context, store session.SessionStore, timeout time.Duration, c *Conn) (*session.Session, error) {
	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sess, ok, err := store.Find(lctx, c.SessionID, c.OrganizationID)
	if err != nil {
		return nil, internalError(errors.Wrap(err, "load session"))
	}
	if !ok || sess == nil {
		return nil, validationError(msgSessionNotFound)
	}
	if !sess.IsActive() {
		return nil, sessionEndedError()
	}
	return sess, nil
}

// publish hands ev to pub within timeout. Failures are logged and dropped.
func publish(ctx context.Context, pub session.EventPublisher, timeout time.Duration, ev session.Event) {
	if pub == nil {
		return
	}
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pub.Publish(pctx, ev); err != nil {
		log.Warn().Err(err).Str("component", "gateway").Str("session_id", ev.SessionID).Str("kind", string(ev.Kind)).Msg("publish event failed")
	}
}
