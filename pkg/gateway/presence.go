package gateway

import "github.com/rs/zerolog/log"

// Presence relays typing indicators. Nothing is persisted.
type Presence struct {
	registry *Registry
}

func NewPresence(registry *Registry) *Presence {
	return &Presence{registry: registry}
}

// Relay re-broadcasts a typing event to the sender's session, excluding the
// sender. An empty senderID falls back to the connection's user.
func (p *Presence) Relay(c *Conn, typ, senderID string) {
	if typ != TypeTypingStart && typ != TypeTypingStop {
		return
	}
	if senderID == "" {
		senderID = c.UserID
	}
	if _, err := p.registry.Broadcast(c.SessionID, newTyping(typ, senderID), c); err != nil {
		log.Warn().Err(err).Str("component", "gateway").Str("session_id", c.SessionID).Msg("typing relay failed")
	}
}
