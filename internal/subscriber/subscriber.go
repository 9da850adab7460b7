// Package subscriber is an auto-reconnecting client for the event stream.
//
// A Client keeps its handler registry across connections. When the
// connection drops unexpectedly it schedules a single reconnect using
// exponential backoff (1s doubling to a 30s cap) and gives up after
// MaxAttempts consecutive failures until Connect is called again.
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/commander/internal/events"
)

// Defaults for the reconnect policy.
const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 30 * time.Second

	writeWait = 10 * time.Second
)

// ErrClosedByCaller is returned by Connect when Disconnect won a race with
// the dial.
var ErrClosedByCaller = errors.New("subscriber disconnected")

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler is invoked for every event received while connected.
type Handler func(events.Event)

type timer interface {
	Stop() bool
}

type registration struct {
	token string
	fn    Handler
}

// Option configures a Client.
type Option func(*Client)

// WithMaxAttempts bounds consecutive failed reconnects.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithBackoff sets the first reconnect delay and the delay cap.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(c *Client) {
		c.initial = initial
		c.maxInterval = maxInterval
	}
}

// WithHeader adds headers to every dial, e.g. Origin.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithStateChange registers a callback for every state transition.
func WithStateChange(fn func(State)) Option {
	return func(c *Client) { c.onState = fn }
}

// Client subscribes to a remote event stream.
type Client struct {
	url         string
	header      http.Header
	dialer      *websocket.Dialer
	logger      log.Logger
	onState     func(State)
	maxAttempts int
	initial     time.Duration
	maxInterval time.Duration
	afterFunc   func(time.Duration, func()) timer

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	gen       uint64
	attempts  int
	exhausted bool
	stopped   bool
	pending   timer
	bo        *backoff.ExponentialBackOff
	handlers  []registration

	writeMu sync.Mutex
}

// New creates a disconnected Client for the ws:// or wss:// url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:         url,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		logger:      log.Nop(),
		maxAttempts: DefaultMaxAttempts,
		initial:     DefaultInitialInterval,
		maxInterval: DefaultMaxInterval,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = log.Nop()
	}
	c.bo = newBackOff(c.initial, c.maxInterval)
	return c
}

func newBackOff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxInterval,
	}
	bo.Reset()
	return bo
}

// Connect dials the server. On success the attempt counter and backoff are
// reset and any pending reconnect is cancelled. A failed dial schedules a
// reconnect like any other failure and returns the dial error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.stopped = false
	c.exhausted = false
	c.attempts = 0
	c.bo.Reset()
	c.cancelPendingLocked()
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped || c.state != Disconnected {
		c.mu.Unlock()
		return nil
	}
	// Disconnect and every successful dial bump gen; a dial that started
	// under an older gen lost to one of them
	dialGen := c.gen
	notify := c.setStateLocked(Connecting)
	c.mu.Unlock()
	notify()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if dialGen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosedByCaller
	}
	if err != nil {
		notify = c.setStateLocked(Disconnected)
		if !c.stopped {
			c.scheduleLocked()
		}
		c.mu.Unlock()
		notify()
		c.logger.Warn(ctx, "event stream dial failed", "url", c.url, "error", err)
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.attempts = 0
	c.exhausted = false
	c.bo.Reset()
	c.cancelPendingLocked()
	notify = c.setStateLocked(Connected)
	c.mu.Unlock()
	notify()

	c.logger.Info(ctx, "event stream connected", "url", c.url)
	go c.readLoop(conn, gen)
	return nil
}

// scheduleLocked arranges the next reconnect unless one is already pending
// or the attempt budget is spent.
func (c *Client) scheduleLocked() {
	if c.pending != nil {
		return
	}
	if c.attempts >= c.maxAttempts {
		c.exhausted = true
		c.logger.Warn(context.Background(), "event stream reconnect attempts exhausted", "attempts", c.attempts)
		return
	}
	delay := c.bo.NextBackOff()
	c.attempts++
	c.logger.Info(context.Background(), "event stream reconnect scheduled", "attempt", c.attempts, "delay", delay)

	var t timer
	t = c.afterFunc(delay, func() {
		c.mu.Lock()
		if c.pending != t {
			c.mu.Unlock()
			return
		}
		c.pending = nil
		c.mu.Unlock()
		_ = c.dial(context.Background())
	})
	c.pending = t
}

func (c *Client) cancelPendingLocked() {
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.lost(conn, gen, err)
			return
		}

		var e events.Event
		if err := json.Unmarshal(data, &e); err != nil {
			c.logger.Warn(context.Background(), "dropping undecodable event", "error", err)
			continue
		}

		c.mu.Lock()
		hs := make([]Handler, len(c.handlers))
		for i, r := range c.handlers {
			hs[i] = r.fn
		}
		c.mu.Unlock()

		for _, h := range hs {
			h(e)
		}
	}
}

func (c *Client) lost(conn *websocket.Conn, gen uint64, cause error) {
	conn.Close()

	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	notify := c.setStateLocked(Disconnected)
	if !c.stopped {
		c.scheduleLocked()
	}
	c.mu.Unlock()
	notify()

	c.logger.Warn(context.Background(), "event stream lost", "url", c.url, "error", cause)
}

// OnMessage registers h and returns a function that unregisters it.
// Registrations survive reconnects.
func (c *Client) OnMessage(h Handler) (unregister func()) {
	token := uuid.NewString()
	c.mu.Lock()
	c.handlers = append(c.handlers, registration{token: token, fn: h})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, r := range c.handlers {
				if r.token == token {
					c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Send writes v as JSON. It reports false when not connected or when the
// write fails; nothing is queued.
func (c *Client) Send(v any) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v) == nil
}

// Disconnect closes the connection and cancels any scheduled reconnect. The
// client stays disconnected until Connect is called.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.cancelPendingLocked()
	c.attempts = 0
	c.exhausted = false
	c.bo.Reset()
	c.gen++
	conn := c.conn
	c.conn = nil
	notify := c.setStateLocked(Disconnected)
	c.mu.Unlock()
	notify()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the client is connected.
func (c *Client) Connected() bool {
	return c.State() == Connected
}

// Exhausted reports whether automatic reconnection gave up.
func (c *Client) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// Attempts returns the number of reconnects scheduled since the last
// successful connection.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// setStateLocked records s and returns the notification to run once the
// lock is released.
func (c *Client) setStateLocked(s State) func() {
	if c.state == s || c.onState == nil {
		c.state = s
		return func() {}
	}
	c.state = s
	fn := c.onState
	return func() { fn(s) }
}
