// Package hub fans pipeline events out to every attached subscriber.
//
// Each attachment owns a bounded mailbox drained by its own goroutine, so a
// slow or failing subscriber never delays the publisher or its peers. A
// subscriber that cannot keep up, or whose Send fails, is evicted and closed.
package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/commander/internal/events"
)

// DefaultMailbox is the per-attachment queue depth.
const DefaultMailbox = 256

// Eviction reasons reported to Hooks.OnEvict.
const (
	EvictOverflow  = "overflow"
	EvictSendError = "send_error"
)

// ErrClosed is returned by Attach after Close.
var ErrClosed = errors.New("hub closed")

// Subscriber receives events. Send is only ever called from one goroutine at
// a time per attachment. Close must be safe to call more than once.
type Subscriber interface {
	Send(e events.Event) error
	Close() error
}

// Token identifies one attachment.
type Token string

// Hooks receives hub lifecycle callbacks, typically for metrics. Nil fields
// are skipped.
type Hooks struct {
	OnAttach  func()
	OnDetach  func()
	OnPublish func(t events.Type)
	OnEvict   func(reason string)
}

// Option configures a single attachment.
type Option func(*attachOptions)

type attachOptions struct {
	prelude func() events.Event
	mailbox int
	name    string
}

// WithPrelude sets an event delivered before anything else. fn runs on the
// delivery goroutine once the attachment is registered, off the hub lock, so
// it reflects every event published before Attach returned. Events published
// while fn runs are still delivered after it. An event with an empty type is
// skipped.
func WithPrelude(fn func() events.Event) Option {
	return func(o *attachOptions) { o.prelude = fn }
}

// WithMailbox overrides the queue depth for this attachment.
func WithMailbox(n int) Option {
	return func(o *attachOptions) {
		if n > 0 {
			o.mailbox = n
		}
	}
}

// WithName labels the attachment in logs.
func WithName(name string) Option {
	return func(o *attachOptions) { o.name = name }
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHooks installs lifecycle callbacks.
func WithHooks(h Hooks) HubOption {
	return func(hb *Hub) { hb.hooks = h }
}

type attachment struct {
	token   Token
	name    string
	sub     Subscriber
	prelude func() events.Event
	mailbox chan events.Event
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
}

func (a *attachment) stop() {
	a.once.Do(func() { close(a.done) })
}

// Hub is a broadcast point for events.
type Hub struct {
	logger log.Logger
	hooks  Hooks

	mu     sync.RWMutex
	subs   map[Token]*attachment
	closed bool
	wg     sync.WaitGroup
}

// New creates a Hub.
func New(logger log.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = log.Nop()
	}
	h := &Hub{logger: logger, subs: make(map[Token]*attachment)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Attach registers s and starts delivering events to it.
func (h *Hub) Attach(s Subscriber, opts ...Option) (Token, error) {
	if s == nil {
		panic(xerrors.New("subscriber is required"))
	}
	o := attachOptions{mailbox: DefaultMailbox}
	for _, fn := range opts {
		fn(&o)
	}

	a := &attachment{
		token:   Token(uuid.NewString()),
		name:    o.name,
		sub:     s,
		prelude: o.prelude,
		mailbox: make(chan events.Event, o.mailbox),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrClosed
	}
	h.subs[a.token] = a
	h.wg.Add(1)
	h.mu.Unlock()

	go h.deliver(a)

	if h.hooks.OnAttach != nil {
		h.hooks.OnAttach()
	}
	return a.token, nil
}

// Detach stops delivery to the attachment and closes its subscriber. It
// reports whether the token was attached.
func (h *Hub) Detach(t Token) bool {
	h.mu.Lock()
	a, ok := h.subs[t]
	if ok {
		delete(h.subs, t)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	h.release(a)
	return true
}

// Publish queues e on every current attachment. It never blocks: an
// attachment whose mailbox is full is evicted.
func (h *Hub) Publish(e events.Event) {
	var overflow []*attachment

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	for _, a := range h.subs {
		select {
		case a.mailbox <- e:
		default:
			overflow = append(overflow, a)
		}
	}
	h.mu.RUnlock()

	if h.hooks.OnPublish != nil {
		h.hooks.OnPublish(e.Type)
	}
	for _, a := range overflow {
		h.evict(a, EvictOverflow, nil)
	}
}

// Len returns the number of attachments.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close detaches every subscriber and waits for their delivery goroutines.
// Later Attach calls fail and Publish becomes a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[Token]*attachment)
	h.mu.Unlock()

	for _, a := range subs {
		h.release(a)
	}
	h.wg.Wait()
}

func (h *Hub) deliver(a *attachment) {
	defer h.wg.Done()
	defer close(a.exited)

	if a.prelude != nil {
		if e := a.prelude(); e.Type != "" {
			select {
			case <-a.done:
				return
			default:
			}
			if err := a.sub.Send(e); err != nil {
				h.evict(a, EvictSendError, err)
				return
			}
		}
	}

	for {
		// stop wins over pending mail
		select {
		case <-a.done:
			return
		default:
		}

		select {
		case <-a.done:
			return
		case e := <-a.mailbox:
			if err := a.sub.Send(e); err != nil {
				h.evict(a, EvictSendError, err)
				return
			}
		}
	}
}

func (h *Hub) evict(a *attachment, reason string, err error) {
	h.mu.Lock()
	cur, ok := h.subs[a.token]
	if ok && cur == a {
		delete(h.subs, a.token)
	}
	h.mu.Unlock()
	if !ok || cur != a {
		return
	}

	h.logger.Warn(context.Background(), "evicting subscriber",
		"token", a.token,
		"name", a.name,
		"reason", reason,
		"error", err,
	)
	if h.hooks.OnEvict != nil {
		h.hooks.OnEvict(reason)
	}
	h.release(a)
}

func (h *Hub) release(a *attachment) {
	a.stop()
	if err := a.sub.Close(); err != nil {
		h.logger.Warn(context.Background(), "closing subscriber", "token", a.token, "error", err)
	}
	if h.hooks.OnDetach != nil {
		h.hooks.OnDetach()
	}
}
