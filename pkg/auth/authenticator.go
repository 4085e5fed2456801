package auth

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/rezaa1/rtllia/pkg/session"
)

var (
	// ErrAuthFailed covers missing, malformed, expired or wrongly signed tokens.
	ErrAuthFailed = stderrors.New("authentication failed")
	// ErrAuthMismatch means the session does not belong to the claimed organization.
	ErrAuthMismatch = stderrors.New("session does not belong to organization")
)

// Principal is the resolved claim and session pair of an admitted connection.
type Principal struct {
	UserID         string
	OrganizationID string
	Session        *session.Session
}

type Options struct {
	Secret  []byte
	Leeway  time.Duration
	Timeout time.Duration
}

type Authenticator struct {
	sessions session.SessionStore
	secret   []byte
	parser   *jwt.Parser
	timeout  time.Duration
}

func NewAuthenticator(sessions session.SessionStore, opts Options) (*Authenticator, error) {
	if sessions == nil {
		return nil, errors.New("authenticator: session store is nil")
	}
	if len(opts.Secret) == 0 {
		return nil, errors.New("authenticator: empty jwt secret")
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
	}
	if opts.Leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(opts.Leeway))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Authenticator{
		sessions: sessions,
		secret:   append([]byte(nil), opts.Secret...),
		parser:   jwt.NewParser(parserOpts...),
		timeout:  timeout,
	}, nil
}

// VerifyToken checks signature and expiry and returns the decoded claims.
func (a *Authenticator) VerifyToken(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.Wrap(ErrAuthFailed, "missing token")
	}
	claims := &Claims{}
	parsed, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, errors.Wrapf(ErrAuthFailed, "invalid token: %v", err)
	}
	if !parsed.Valid {
		return nil, errors.Wrap(ErrAuthFailed, "invalid token")
	}
	if claims.OrganizationID == "" {
		return nil, errors.Wrap(ErrAuthFailed, "token has no organization")
	}
	return claims, nil
}

// Authenticate verifies the token and resolves the session it is allowed to join.
// Store failures are returned unwrapped from the auth sentinels so callers can
// tell a refused handshake from an authentication exception.
func (a *Authenticator) Authenticate(ctx context.Context, token, sessionID string) (*Principal, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.Wrap(ErrAuthFailed, "missing session id")
	}
	claims, err := a.VerifyToken(token)
	if err != nil {
		return nil, err
	}

	lookupCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	sess, ok, err := a.sessions.Find(lookupCtx, sessionID, claims.OrganizationID.String())
	if err != nil {
		return nil, errors.Wrap(err, "lookup session")
	}
	if !ok || sess == nil {
		return nil, errors.Wrapf(ErrAuthMismatch, "session %s", sessionID)
	}
	if !sess.IsActive() {
		return nil, errors.Wrapf(ErrAuthMismatch, "session %s is %s", sessionID, sess.Status)
	}
	return &Principal{
		UserID:         claims.UserID.String(),
		OrganizationID: claims.OrganizationID.String(),
		Session:        sess,
	}, nil
}

// IsRefusal reports whether err is an expected authentication refusal rather
// than a failure of the authentication machinery itself.
func IsRefusal(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrAuthMismatch)
}
