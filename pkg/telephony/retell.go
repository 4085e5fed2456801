package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/rezaa1/rtllia/pkg/session"
)

const DefaultRetellBaseURL = "https://api.retell.cc/api"

var (
	ErrUnauthorized = stderrors.New("Invalid or missing Retell API key")
	ErrCallNotFound = stderrors.New("Call not found")
)

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return e.Message }

type Option func(*options)

type options struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

func WithBaseURL(u string) Option {
	return func(o *options) {
		if u != "" {
			o.baseURL = u
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// Retell places outbound calls through the Retell API.
type Retell struct {
	opts       options
	httpClient *http.Client
}

func NewRetell(opts ...Option) *Retell {
	o := options{baseURL: DefaultRetellBaseURL, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.apiKey == "" {
		log.Warn().Str("component", "telephony").Msg("retell api key is not set")
	}
	client := o.httpClient
	if client == nil {
		client = &http.Client{Timeout: o.timeout}
	}
	return &Retell{opts: o, httpClient: client}
}

type createCallRequest struct {
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	AgentID    string `json:"agent_id"`
}

// Call is the provider's view of a phone call.
type Call struct {
	CallID     string `json:"call_id"`
	Status     string `json:"status"`
	FromNumber string `json:"from_number,omitempty"`
	ToNumber   string `json:"to_number,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
}

func (r *Retell) CreateCall(ctx context.Context, req session.CallRequest) (session.CallResult, error) {
	if strings.TrimSpace(req.ProviderAgentID) == "" {
		return session.CallResult{}, errors.New("retell: agent has no provider agent id")
	}
	var call Call
	err := r.do(ctx, http.MethodPost, "/calls", createCallRequest{
		FromNumber: req.FromNumber,
		ToNumber:   req.ToNumber,
		AgentID:    req.ProviderAgentID,
	}, &call)
	if err != nil {
		return session.CallResult{}, mapError(err, "Failed to create phone call", http.StatusBadRequest)
	}
	return session.CallResult{CallID: call.CallID, Status: call.Status}, nil
}

// GetCall fetches the current state of a call.
func (r *Retell) GetCall(ctx context.Context, callID string) (Call, error) {
	var call Call
	if err := r.do(ctx, http.MethodGet, "/calls/"+url.PathEscape(callID), nil, &call); err != nil {
		return Call{}, mapError(err, "Failed to get call status", http.StatusNotFound)
	}
	return call, nil
}

// mapError turns provider failures into the messages operators expect:
// 401 is always the API key, passthrough is the one status whose provider
// message is forwarded verbatim.
func mapError(err error, prefix string, passthrough int) error {
	var apiErr *APIError
	if !stderrors.As(err, &apiErr) {
		return errors.Wrap(err, prefix)
	}
	switch {
	case apiErr.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	case apiErr.Status == http.StatusNotFound && passthrough == http.StatusNotFound:
		return ErrCallNotFound
	case apiErr.Status == passthrough:
		msg := apiErr.Message
		if msg == "" {
			msg = "Invalid request parameters"
		}
		return &APIError{Status: apiErr.Status, Message: msg}
	default:
		return &APIError{Status: apiErr.Status, Message: prefix + ": " + apiErr.Message}
	}
}

func (r *Retell) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return errors.Wrap(err, "marshal payload")
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(r.opts.baseURL, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.opts.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Message: providerMessage(data, resp.Status)}
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, out), "decode response")
}

func providerMessage(data []byte, fallback string) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return fallback
}
