package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/commander/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
)

// Snapshotter supplies the full-state view sent to a new subscriber.
type Snapshotter interface {
	Snapshot(ctx context.Context) (events.Snapshot, error)
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAllowedOrigins restricts browser origins. "*" allows any origin. With
// no origins configured only same-origin requests are accepted.
func WithAllowedOrigins(origins ...string) HandlerOption {
	return func(h *Handler) { h.origins = origins }
}

// WithEchoLimit sets the per-connection echo rate.
func WithEchoLimit(r rate.Limit, burst int) HandlerOption {
	return func(h *Handler) {
		h.echoRate = r
		h.echoBurst = burst
	}
}

// WithPingInterval overrides the keepalive ping period and read deadline.
func WithPingInterval(ping, pong time.Duration) HandlerOption {
	return func(h *Handler) {
		h.pingPeriod = ping
		h.pongWait = pong
	}
}

// Handler upgrades requests to WebSocket connections attached to a Hub.
type Handler struct {
	hub        *Hub
	snap       Snapshotter
	logger     log.Logger
	upgrader   websocket.Upgrader
	origins    []string
	echoRate   rate.Limit
	echoBurst  int
	pingPeriod time.Duration
	pongWait   time.Duration
}

// NewHandler creates the event stream endpoint. hub is required; snap may be
// nil, in which case no snapshot is sent on attach.
func NewHandler(hub *Hub, snap Snapshotter, logger log.Logger, opts ...HandlerOption) *Handler {
	if hub == nil {
		panic(xerrors.New("hub is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	h := &Handler{
		hub:        hub,
		snap:       snap,
		logger:     logger,
		echoRate:   5,
		echoBurst:  10,
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
	}
	for _, o := range opts {
		o(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(h.origins) > 0 {
		h.upgrader.CheckOrigin = h.checkOrigin
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := h.logger

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		L.Warn(ctx, "websocket upgrade failed", "error", err)
		return
	}
	ws := newWSConn(conn)

	opts := []Option{WithName(r.RemoteAddr)}
	if h.snap != nil {
		opts = append(opts, WithPrelude(func() events.Event {
			snap, err := h.snap.Snapshot(context.WithoutCancel(ctx))
			if err != nil {
				L.Error(ctx, err, "building subscriber snapshot")
				return events.Event{}
			}
			return events.New(events.TypeSnapshot, snap)
		}))
	}

	token, err := h.hub.Attach(ws, opts...)
	if err != nil {
		_ = ws.Close()
		return
	}
	defer h.hub.Detach(token)

	L.Info(ctx, "subscriber attached", "token", token, "subscribers", h.hub.Len())

	done := make(chan struct{})
	defer close(done)
	go h.keepalive(ws, done)

	h.readLoop(ctx, ws)
	L.Info(ctx, "subscriber detached", "token", token)
}

func (h *Handler) keepalive(ws *wsConn, done <-chan struct{}) {
	t := time.NewTicker(h.pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := ws.ping(); err != nil {
				_ = ws.Close()
				return
			}
		}
	}
}

// readLoop echoes client messages back to the sender until the connection
// fails or the client stops answering pings.
func (h *Handler) readLoop(ctx context.Context, ws *wsConn) {
	conn := ws.conn
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	limiter := rate.NewLimiter(h.echoRate, h.echoBurst)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
		if !limiter.Allow() {
			continue
		}
		if err := ws.Send(events.New(events.TypeEcho, events.Echo{Message: echoPayload(data)})); err != nil {
			h.logger.Warn(ctx, "echo failed", "error", err)
			return
		}
	}
}

// echoPayload keeps JSON messages as-is and quotes anything else.
func echoPayload(data []byte) json.RawMessage {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}

// wsConn adapts a WebSocket connection to Subscriber. gorilla connections
// allow one concurrent writer, which mu enforces.
type wsConn struct {
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{conn: c}
}

func (c *wsConn) Send(e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(e)
}

func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
