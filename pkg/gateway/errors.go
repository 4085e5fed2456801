package gateway

import (
	stderrors "errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindProvider   ErrorKind = "provider"
	KindInternal   ErrorKind = "internal"
)

const (
	msgFailedToProcess    = "Failed to process message"
	msgInvalidFormat      = "Invalid message format"
	msgInvalidPayload     = "Invalid message payload"
	msgSessionNotFound    = "Session not found"
	msgSessionNotActive   = "Session is not active"
	msgInvalidModeChange  = "Invalid mode change request"
	msgFailedToChangeMode = "Failed to change mode"
	msgModeChangeBusy     = "Mode change already in progress"
	msgShuttingDown       = "Server is shutting down"
	msgTooManyInflight    = "Too many requests in flight"
)

var (
	ErrRegistryClosed  = stderrors.New("session registry closed")
	ErrSessionMismatch = stderrors.New("connection belongs to another session")
)

// ClientError is a handler failure that is reported to the originating
// connection as an error event. Evict asks the reporter to close every
// connection of the session afterwards.
type ClientError struct {
	Kind  ErrorKind
	Msg   string
	Err   error
	Evict bool
}

func (e *ClientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

func validationError(msg string) error {
	return &ClientError{Kind: KindValidation, Msg: msg}
}

func sessionEndedError() error {
	return &ClientError{Kind: KindValidation, Msg: msgSessionNotActive, Evict: true}
}

func providerError(msg string, err error) error {
	return &ClientError{Kind: KindProvider, Msg: msg, Err: err}
}

func internalError(err error) error {
	return &ClientError{Kind: KindInternal, Msg: msgFailedToProcess, Err: err}
}

// clientFacing maps any handler error to the text sent to the client.
// Errors that are not ClientErrors are internal.
func clientFacing(err error) (string, ErrorKind) {
	var ce *ClientError
	if stderrors.As(err, &ce) && ce != nil {
		if ce.Kind == KindInternal || ce.Msg == "" {
			return msgFailedToProcess, KindInternal
		}
		return ce.Msg, ce.Kind
	}
	return msgFailedToProcess, KindInternal
}

func shouldEvict(err error) bool {
	var ce *ClientError
	return stderrors.As(err, &ce) && ce != nil && ce.Evict
}
