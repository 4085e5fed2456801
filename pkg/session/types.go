package session

import (
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

type Mode string

const (
	ModeChat  Mode = "chat"
	ModeVoice Mode = "voice"
)

type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageVoice  MessageType = "voice"
	MessageSystem MessageType = "system"
)

// MetadataCallDetails is the Session.Metadata key holding the active CallDetails.
const MetadataCallDetails = "callDetails"

// Session is a bounded conversation between one visitor and one agent.
// Sessions are created by the REST side before any socket connects.
type Session struct {
	ID              string         `json:"id"`
	OrganizationID  string         `json:"organizationId"`
	AgentID         string         `json:"agentId"`
	ProviderAgentID string         `json:"providerAgentId,omitempty"`
	VisitorID       string         `json:"visitorId"`
	Status          Status         `json:"status"`
	Mode            Mode           `json:"mode"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	EndedAt         *time.Time     `json:"endedAt,omitempty"`
}

func (s *Session) IsActive() bool {
	return s != nil && s.Status == StatusActive
}

// CurrentMode treats an unset mode as chat, the initial state.
func (s *Session) CurrentMode() Mode {
	if s == nil || s.Mode == "" {
		return ModeChat
	}
	return s.Mode
}

// Message is append-only; CreatedAt defines render order.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	SenderType  SenderType     `json:"senderType"`
	MessageType MessageType    `json:"messageType"`
	Content     string         `json:"content"`
	VoiceURL    string         `json:"voiceUrl,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// CallDetails lives in Session.Metadata while the session is in voice mode.
type CallDetails struct {
	ProviderCallID string `json:"providerCallId"`
	Status         string `json:"status"`
	PhoneNumber    string `json:"phoneNumber"`
}

// AsMap is the representation stored under Session.Metadata.
func (c CallDetails) AsMap() map[string]any {
	return map[string]any{
		"providerCallId": c.ProviderCallID,
		"status":         c.Status,
		"phoneNumber":    c.PhoneNumber,
	}
}

func ValidSenderType(s SenderType) bool {
	switch s {
	case SenderUser, SenderAgent, SenderSystem:
		return true
	}
	return false
}

func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageText, MessageVoice, MessageSystem:
		return true
	}
	return false
}

type EventKind string

const (
	EventConnectionOpened EventKind = "connection.opened"
	EventConnectionClosed EventKind = "connection.closed"
	EventMessagePersisted EventKind = "message.persisted"
	EventModeChanged      EventKind = "mode.changed"
)

// Event is a gateway domain event exported on the event bus.
type Event struct {
	Kind           EventKind    `json:"kind"`
	SessionID      string       `json:"sessionId"`
	OrganizationID string       `json:"organizationId,omitempty"`
	ConnectionID   string       `json:"connectionId,omitempty"`
	Message        *Message     `json:"message,omitempty"`
	Call           *CallDetails `json:"callDetails,omitempty"`
	At             time.Time    `json:"at"`
}
