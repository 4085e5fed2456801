package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned by Send while no connection is open. Frames
// are not queued across outages.
var ErrNotConnected = stderrors.New("client: not connected")

// Event is one decoded server frame.
type Event struct {
	Type string
	Raw  json.RawMessage
}

type Options struct {
	URL     string
	Header  http.Header
	Dialer  *websocket.Dialer
	OnOpen  func()
	OnEvent func(Event)
	OnClose func(code int, reason string)
	// Backoff overrides the reconnect delay, mostly for tests.
	Backoff func(attempt int) time.Duration
}

// Client keeps a websocket to the gateway open, reconnecting with
// exponential backoff unless the server closed it normally.
type Client struct {
	opts Options

	mu      sync.Mutex
	conn    *websocket.Conn
	attempt int
	closed  bool
	closeCh chan struct{}

	writeMu sync.Mutex
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("client: url is empty")
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Backoff == nil {
		opts.Backoff = Backoff
	}
	return &Client{opts: opts, closeCh: make(chan struct{})}, nil
}

// Run connects and serves until ctx is done, Close is called or the server
// closes with 1000.
func (c *Client) Run(ctx context.Context) error {
	logger := log.With().Str("component", "client").Str("url", c.opts.URL).Logger()
	for {
		if ctx.Err() != nil || c.isClosed() {
			return nil
		}
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", c.Attempt()).Msg("dial failed")
			if !c.wait(ctx) {
				return nil
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		c.conn = conn
		c.attempt = 0
		c.mu.Unlock()
		logger.Info().Msg("connected")
		if c.opts.OnOpen != nil {
			c.opts.OnOpen()
		}

		code, reason := c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		logger.Info().Int("code", code).Str("reason", reason).Msg("disconnected")
		if c.opts.OnClose != nil {
			c.opts.OnClose(code, reason)
		}
		if code == websocket.CloseNormalClosure {
			return nil
		}
		if !c.wait(ctx) {
			return nil
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) (int, string) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if stderrors.As(err, &ce) {
				return ce.Code, ce.Text
			}
			return websocket.CloseAbnormalClosure, err.Error()
		}
		if mt != websocket.TextMessage || c.opts.OnEvent == nil {
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			log.Debug().Err(err).Str("component", "client").Msg("ignoring malformed frame")
			continue
		}
		c.opts.OnEvent(Event{Type: head.Type, Raw: append(json.RawMessage(nil), data...)})
	}
}

// wait sleeps for the current backoff and increments the attempt counter.
// It returns false when the client should stop.
func (c *Client) wait(ctx context.Context) bool {
	c.mu.Lock()
	d := c.opts.Backoff(c.attempt)
	c.attempt++
	c.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.closeCh:
		return false
	}
}

// Send marshals v and writes it as one text frame.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Close sends a normal close frame and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client closed"),
		time.Now().Add(time.Second))
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
