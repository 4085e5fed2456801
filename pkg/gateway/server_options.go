package gateway

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ServerOption configures a Server at construction time.
type ServerOption func(*Server) error

func WithAddr(addr string) ServerOption {
	return func(s *Server) error {
		if strings.TrimSpace(addr) == "" {
			return errors.New("addr is empty")
		}
		s.cfg.addr = addr
		return nil
	}
}

// WithPath sets the websocket endpoint path.
func WithPath(path string) ServerOption {
	return func(s *Server) error {
		if !strings.HasPrefix(path, "/") {
			return errors.Errorf("ws path %q must start with /", path)
		}
		if path == "/healthz" {
			return errors.New("ws path collides with /healthz")
		}
		s.cfg.path = path
		return nil
	}
}

func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) error {
		s.cfg.allowedOrigins = append([]string(nil), origins...)
		return nil
	}
}

func WithHeartbeatInterval(d time.Duration) ServerOption {
	return func(s *Server) error {
		if d <= 0 {
			return errors.New("heartbeat interval must be positive")
		}
		s.cfg.heartbeatInterval = d
		return nil
	}
}

// WithConnLimits sets per-connection buffering and concurrency limits.
// Zero values keep the defaults.
func WithConnLimits(sendBuffer int, maxInflight int64, writeTimeout time.Duration, readLimit int64) ServerOption {
	return func(s *Server) error {
		if sendBuffer < 0 || maxInflight < 0 || writeTimeout < 0 || readLimit < 0 {
			return errors.New("connection limits must not be negative")
		}
		if sendBuffer > 0 {
			s.cfg.sendBuffer = sendBuffer
		}
		if maxInflight > 0 {
			s.cfg.maxInflightPerConn = maxInflight
		}
		if writeTimeout > 0 {
			s.cfg.writeTimeout = writeTimeout
		}
		if readLimit > 0 {
			s.cfg.readLimit = readLimit
		}
		return nil
	}
}

// WithTimeouts bounds responder, telephony and store calls. Zero values keep
// the defaults.
func WithTimeouts(responder, telephony, store time.Duration) ServerOption {
	return func(s *Server) error {
		s.cfg.responderTimeout = responder
		s.cfg.telephonyTimeout = telephony
		s.cfg.storeTimeout = store
		return nil
	}
}

func WithHistoryLimit(n int) ServerOption {
	return func(s *Server) error {
		if n < 0 {
			return errors.New("history limit must not be negative")
		}
		s.cfg.historyLimit = n
		return nil
	}
}

// WithFromNumbers sets the default caller number and per-organization overrides.
func WithFromNumbers(defaultNumber string, perOrganization map[string]string) ServerOption {
	return func(s *Server) error {
		s.cfg.fromNumber = defaultNumber
		s.cfg.orgNumbers = perOrganization
		return nil
	}
}

func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) error {
		if d <= 0 {
			return errors.New("shutdown timeout must be positive")
		}
		s.cfg.shutdownTimeout = d
		return nil
	}
}
