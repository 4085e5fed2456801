package gateway

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Router dispatches inbound frames of a connection. Ping and typing frames
// are answered inline; message:send and mode:change run as tracked work.
type Router struct {
	registry     *Registry
	presence     *Presence
	orchestrator *MessageOrchestrator
	modes        *ModeMachine
	tracker      *WorkTracker
}

func NewRouter(registry *Registry, orchestrator *MessageOrchestrator, modes *ModeMachine, tracker *WorkTracker) (*Router, error) {
	if registry == nil || orchestrator == nil || modes == nil || tracker == nil {
		return nil, errors.New("router: registry, orchestrator, mode machine and tracker are required")
	}
	return &Router{
		registry:     registry,
		presence:     NewPresence(registry),
		orchestrator: orchestrator,
		modes:        modes,
		tracker:      tracker,
	}, nil
}

// HandleFrame never returns an error: every failure is reported to c.
func (rt *Router) HandleFrame(c *Conn, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "gateway").Str("session_id", c.SessionID).Interface("panic", r).Msg("frame handler panicked")
			rt.reportError(c, internalError(errors.Errorf("panic: %v", r)))
		}
	}()

	var frame InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Debug().Err(err).Str("component", "gateway").Str("session_id", c.SessionID).Msg("malformed frame")
		rt.send(c, newErrorEvent(msgInvalidFormat))
		return
	}

	switch frame.Type {
	case TypePing:
		rt.send(c, newPong())
	case TypeTypingStart, TypeTypingStop:
		rt.presence.Relay(c, frame.Type, frame.SenderID)
	case TypeMessageSend:
		req, err := frame.messageSend()
		if err != nil {
			rt.reportError(c, validationError(msgInvalidPayload))
			return
		}
		rt.dispatch(c, frame.Type, func(ctx context.Context) error {
			return rt.orchestrator.HandleSend(ctx, c, req)
		})
	case TypeModeChange:
		req, err := frame.modeChange()
		if err != nil {
			rt.reportError(c, validationError(msgInvalidModeChange))
			return
		}
		rt.dispatch(c, frame.Type, func(ctx context.Context) error {
			return rt.modes.HandleChange(ctx, c, req)
		})
	default:
		log.Warn().Str("component", "gateway").Str("session_id", c.SessionID).Str("type", frame.Type).Msg("unknown frame type")
	}
}

// dispatch takes an in-flight slot of c and hands fn to the tracker. A frame
// that finds every slot busy is refused so the read loop keeps serving pongs.
// The slot is released when fn returns, not when c closes.
func (rt *Router) dispatch(c *Conn, name string, fn func(ctx context.Context) error) {
	if !c.acquire() {
		if c.Closed() {
			return
		}
		rt.send(c, newErrorEvent(msgTooManyInflight))
		return
	}
	ok := rt.tracker.Go(name, func(ctx context.Context) error {
		defer c.release()
		return fn(ctx)
	}, func(err error) {
		rt.reportError(c, err)
	})
	if !ok {
		c.release()
		rt.send(c, newErrorEvent(msgShuttingDown))
	}
}

func (rt *Router) reportError(c *Conn, err error) {
	msg, kind := clientFacing(err)
	ev := log.Warn()
	if kind == KindInternal {
		ev = log.Error()
	}
	ev.Err(err).Str("component", "gateway").Str("session_id", c.SessionID).Str("conn_id", c.ID).Str("kind", string(kind)).Msg("frame handling failed")
	rt.send(c, newErrorEvent(msg))
	if shouldEvict(err) {
		rt.registry.CloseSession(c.SessionID, websocket.CloseNormalClosure, sessionEndedReason)
	}
}

func (rt *Router) send(c *Conn, event any) {
	if err := rt.registry.Send(c, event); err != nil {
		log.Warn().Err(err).Str("component", "gateway").Str("session_id", c.SessionID).Msg("send failed")
	}
}
