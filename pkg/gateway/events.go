package gateway

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rezaa1/rtllia/pkg/session"
)

const (
	TypeConnectionEstablished = "connection:established"
	TypeMessageSend           = "message:send"
	TypeMessageReceived       = "message:received"
	TypeTypingStart           = "typing:start"
	TypeTypingStop            = "typing:stop"
	TypeModeChange            = "mode:change"
	TypeModeChanged           = "mode:changed"
	TypeError                 = "error"
	TypePing                  = "ping"
	TypePong                  = "pong"
)

// AgentSenderID is the senderId used for the agent's typing indicator.
const AgentSenderID = "agent"

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Timestamp renders t as ISO-8601 UTC with millisecond precision.
func Timestamp(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

func now() string { return Timestamp(time.Now()) }

// InboundFrame is the union of every client frame payload.
type InboundFrame struct {
	Type        string         `json:"type"`
	Content     string         `json:"content,omitempty"`
	MessageType string         `json:"messageType,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SenderID    string         `json:"senderId,omitempty"`
	Mode        string         `json:"mode,omitempty"`
	PhoneNumber string         `json:"phoneNumber,omitempty"`
}

type MessageSendRequest struct {
	Content     string `validate:"required"`
	MessageType string `validate:"omitempty,oneof=text voice system"`
	Metadata    map[string]any
}

type ModeChangeRequest struct {
	Mode        string `validate:"required,oneof=voice chat"`
	PhoneNumber string `validate:"required_if=Mode voice,omitempty,e164"`
}

var validate = validator.New()

func (f InboundFrame) messageSend() (MessageSendRequest, error) {
	req := MessageSendRequest{Content: f.Content, MessageType: f.MessageType, Metadata: f.Metadata}
	if err := validate.Struct(req); err != nil {
		return MessageSendRequest{}, err
	}
	return req, nil
}

func (f InboundFrame) modeChange() (ModeChangeRequest, error) {
	req := ModeChangeRequest{Mode: f.Mode, PhoneNumber: f.PhoneNumber}
	if err := validate.Struct(req); err != nil {
		return ModeChangeRequest{}, err
	}
	return req, nil
}

// WireMessage is the client-facing shape of a persisted message.
type WireMessage struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	SenderType  string         `json:"senderType"`
	MessageType string         `json:"messageType"`
	Content     string         `json:"content"`
	VoiceURL    string         `json:"voiceUrl,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   string         `json:"createdAt"`
}

func NewWireMessage(m session.Message) WireMessage {
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return WireMessage{
		ID:          m.ID,
		SessionID:   m.SessionID,
		SenderType:  string(m.SenderType),
		MessageType: string(m.MessageType),
		Content:     m.Content,
		VoiceURL:    m.VoiceURL,
		Metadata:    meta,
		CreatedAt:   Timestamp(m.CreatedAt),
	}
}

type ConnectionEstablishedEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
}

type MessageReceivedEvent struct {
	Type      string      `json:"type"`
	Message   WireMessage `json:"message"`
	Timestamp string      `json:"timestamp"`
}

type TypingEvent struct {
	Type      string `json:"type"`
	SenderID  string `json:"senderId"`
	Timestamp string `json:"timestamp"`
}

type ModeChangedEvent struct {
	Type        string              `json:"type"`
	Mode        session.Mode        `json:"mode"`
	CallDetails session.CallDetails `json:"callDetails"`
	Message     WireMessage         `json:"message"`
	Timestamp   string              `json:"timestamp"`
}

type ErrorEvent struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

type PongEvent struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

func newConnectionEstablished(sessionID string) ConnectionEstablishedEvent {
	return ConnectionEstablishedEvent{Type: TypeConnectionEstablished, SessionID: sessionID, Timestamp: now()}
}

func newMessageReceived(m session.Message) MessageReceivedEvent {
	return MessageReceivedEvent{Type: TypeMessageReceived, Message: NewWireMessage(m), Timestamp: now()}
}

func newTyping(typ, senderID string) TypingEvent {
	return TypingEvent{Type: typ, SenderID: senderID, Timestamp: now()}
}

func newErrorEvent(msg string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Error: msg, Timestamp: now()}
}

func newPong() PongEvent {
	return PongEvent{Type: TypePong, Timestamp: now()}
}
