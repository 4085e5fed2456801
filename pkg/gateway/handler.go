package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/rezaa1/rtllia/pkg/auth"
	"github.com/rezaa1/rtllia/pkg/session"
)

const (
	CloseAuthFailed = 4001
	CloseAuthError  = 4002

	defaultReadLimit = 64 * 1024
)

// Authenticator admits a websocket handshake into a session.
type Authenticator interface {
	Authenticate(ctx context.Context, token, sessionID string) (*auth.Principal, error)
}

// NewWSHandler upgrades, authenticates and registers a connection, then runs
// its read loop until the socket closes.
func (s *Server) NewWSHandler() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(s.cfg.allowedOrigins),
	}
	return func(w http.ResponseWriter, req *http.Request) {
		if s.authenticator == nil {
			http.Error(w, "authenticator not initialized", http.StatusServiceUnavailable)
			return
		}
		q := req.URL.Query()
		sessionID := strings.TrimSpace(q.Get("sessionId"))
		token := q.Get("token")

		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Debug().Err(err).Str("component", "gateway").Msg("websocket upgrade failed")
			return
		}
		wsLog := log.With().
			Str("component", "gateway").
			Str("remote", req.RemoteAddr).
			Str("session_id", sessionID).
			Logger()

		principal, err := s.authenticator.Authenticate(req.Context(), token, sessionID)
		if err != nil {
			code, reason := CloseAuthError, "Authentication error"
			if auth.IsRefusal(err) {
				code, reason = CloseAuthFailed, "Authentication failed"
				wsLog.Info().Err(err).Msg("websocket refused")
			} else {
				wsLog.Error().Err(err).Msg("websocket authentication error")
			}
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
			_ = ws.Close()
			return
		}

		ws.SetReadLimit(s.cfg.readLimit)
		c := NewConn(ws, ConnOptions{
			SessionID:      principal.Session.ID,
			UserID:         principal.UserID,
			OrganizationID: principal.OrganizationID,
			SendBuffer:     s.cfg.sendBuffer,
			WriteTimeout:   s.cfg.writeTimeout,
			MaxInflight:    s.cfg.maxInflightPerConn,
		})
		ws.SetPongHandler(func(string) error {
			c.MarkAlive()
			return nil
		})
		wsLog = wsLog.With().Str("conn_id", c.ID).Str("user_id", c.UserID).Logger()

		if err := s.registry.Register(c.SessionID, c); err != nil {
			wsLog.Warn().Err(err).Msg("register connection failed")
			c.CloseWith(websocket.CloseGoingAway, msgShuttingDown)
			c.Wait()
			return
		}
		wsLog.Info().Msg("websocket connected")
		_ = s.registry.Send(c, newConnectionEstablished(c.SessionID))
		publish(req.Context(), s.publisher, s.cfg.storeTimeout, session.Event{
			Kind:           session.EventConnectionOpened,
			SessionID:      c.SessionID,
			OrganizationID: c.OrganizationID,
			ConnectionID:   c.ID,
		})

		defer func() {
			c.Terminate()
			c.Wait()
			wsLog.Info().Msg("websocket disconnected")
			publish(context.WithoutCancel(req.Context()), s.publisher, s.cfg.storeTimeout, session.Event{
				Kind:           session.EventConnectionClosed,
				SessionID:      c.SessionID,
				OrganizationID: c.OrganizationID,
				ConnectionID:   c.ID,
			})
		}()

		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					wsLog.Debug().Err(err).Msg("websocket read error")
				}
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			s.router.HandleFrame(c, data)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.registry.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"sessions":    st.Sessions,
		"connections": st.Connections,
	})
}

// originChecker allows every origin when allowed is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	hosts := lo.Map(allowed, func(o string, _ int) string { return strings.ToLower(strings.TrimRight(o, "/")) })
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return lo.Contains(hosts, strings.ToLower(u.Scheme+"://"+u.Host))
	}
}
