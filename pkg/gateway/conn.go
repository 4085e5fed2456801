package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
	defaultMaxInflight  = 4
)

// wsConn is the subset of *websocket.Conn the writer needs.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type outbound struct {
	data      []byte
	closeCode int
	reason    string
}

type ConnOptions struct {
	SessionID      string
	UserID         string
	OrganizationID string
	SendBuffer     int
	WriteTimeout   time.Duration
	MaxInflight    int64
}

// Conn is one registered websocket. All writes go through a bounded buffer
// drained by a single writer goroutine; a full buffer terminates the conn.
type Conn struct {
	ID             string
	SessionID      string
	UserID         string
	OrganizationID string

	ws           wsConn
	send         chan outbound
	writeTimeout time.Duration
	alive        atomic.Bool
	inflight     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	termOnce   sync.Once
	done       chan struct{}
	writerDone chan struct{}

	hookMu   sync.Mutex
	onClose  []func(*Conn)
	finished bool
}

func NewConn(ws wsConn, opts ConnOptions) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout < 0 {
		opts.WriteTimeout = 0
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = defaultMaxInflight
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ID:             uuid.NewString(),
		SessionID:      opts.SessionID,
		UserID:         opts.UserID,
		OrganizationID: opts.OrganizationID,
		ws:             ws,
		send:           make(chan outbound, opts.SendBuffer),
		writeTimeout:   opts.WriteTimeout,
		inflight:       semaphore.NewWeighted(opts.MaxInflight),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		writerDone:     make(chan struct{}),
	}
	c.alive.Store(true)
	go c.writeLoop()
	return c
}

// Context is canceled when the connection terminates. It only bounds waiting
// for an in-flight slot; dispatched work runs on the server context.
func (c *Conn) Context() context.Context { return c.ctx }

// Done is closed once the connection is terminating.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Wait blocks until the writer goroutine exited and close hooks ran.
func (c *Conn) Wait() { <-c.writerDone }

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// OnClose registers fn to run once after the socket is closed. If the conn
// is already closed fn runs immediately on the caller's goroutine.
func (c *Conn) OnClose(fn func(*Conn)) {
	if fn == nil {
		return
	}
	c.hookMu.Lock()
	if c.finished {
		c.hookMu.Unlock()
		fn(c)
		return
	}
	c.onClose = append(c.onClose, fn)
	c.hookMu.Unlock()
}

// Enqueue queues data for the writer. It returns false when the conn is
// closed or its buffer is full; in the latter case the conn is terminated.
func (c *Conn) Enqueue(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	return c.push(outbound{data: data})
}

// CloseWith queues a close frame behind any pending writes.
func (c *Conn) CloseWith(code int, reason string) {
	c.push(outbound{closeCode: code, reason: reason})
}

func (c *Conn) push(item outbound) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.send <- item:
		return true
	default:
		log.Warn().
			Str("component", "gateway").
			Str("session_id", c.SessionID).
			Str("conn_id", c.ID).
			Msg("send buffer full, dropping connection")
		c.Terminate()
		return false
	}
}

// Terminate closes the socket without a close handshake. A write blocked on
// a slow peer fails and the writer exits.
func (c *Conn) Terminate() {
	c.termOnce.Do(func() {
		c.cancel()
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) MarkAlive() { c.alive.Store(true) }

// takeAlive clears the alive flag and reports whether it was set.
func (c *Conn) takeAlive() bool { return c.alive.CompareAndSwap(true, false) }

func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, c.deadline())
}

// acquire takes an in-flight slot without blocking the read loop.
func (c *Conn) acquire() bool {
	return c.inflight.TryAcquire(1)
}

func (c *Conn) release() { c.inflight.Release(1) }

func (c *Conn) deadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Now().Add(defaultWriteTimeout)
	}
	return time.Now().Add(c.writeTimeout)
}

func (c *Conn) writeLoop() {
	defer c.finish()
	for {
		select {
		case <-c.done:
			return
		case item := <-c.send:
			if item.closeCode != 0 {
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(item.closeCode, item.reason), c.deadline())
				c.Terminate()
				return
			}
			if c.writeTimeout > 0 {
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, item.data); err != nil {
				log.Debug().Err(err).
					Str("component", "gateway").
					Str("session_id", c.SessionID).
					Str("conn_id", c.ID).
					Msg("ws write failed, dropping connection")
				c.Terminate()
				return
			}
		}
	}
}

func (c *Conn) finish() {
	c.Terminate()
	c.hookMu.Lock()
	hooks := c.onClose
	c.onClose = nil
	c.finished = true
	c.hookMu.Unlock()
	for _, fn := range hooks {
		fn(c)
	}
	close(c.writerDone)
}
