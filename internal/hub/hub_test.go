package hub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/commander/internal/events"
)

type fakeSub struct {
	recv    chan events.Event
	sendErr error
	block   chan struct{}
	closes  atomic.Int32
}

func newFakeSub() *fakeSub {
	return &fakeSub{recv: make(chan events.Event, 64)}
}

func (f *fakeSub) Send(e events.Event) error {
	if f.block != nil {
		<-f.block
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.recv <- e
	return nil
}

func (f *fakeSub) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeSub) next(t *testing.T) events.Event {
	t.Helper()
	select {
	case e := <-f.recv:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func (f *fakeSub) assertNothing(t *testing.T) {
	t.Helper()
	select {
	case e := <-f.recv:
		t.Fatalf("unexpected event %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func msg(i int) events.Event {
	return events.New(events.TypeSystemReset, events.SystemReset{Message: fmt.Sprint(i)})
}

func TestHub_FanOutPreservesOrder(t *testing.T) {
	t.Parallel()

	h := New(nil)
	defer h.Close()

	a, b := newFakeSub(), newFakeSub()
	_, err := h.Attach(a)
	require.NoError(t, err)
	_, err = h.Attach(b)
	require.NoError(t, err)
	require.Equal(t, 2, h.Len())

	for i := range 10 {
		h.Publish(msg(i))
	}

	for _, s := range []*fakeSub{a, b} {
		for i := range 10 {
			got, err := events.Decode[events.SystemReset](s.next(t))
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprint(i), got.Message)
		}
	}
}

func TestHub_PreludeComesFirst(t *testing.T) {
	t.Parallel()

	h := New(nil)
	defer h.Close()

	s := newFakeSub()
	_, err := h.Attach(s, WithPrelude(func() events.Event {
		return events.New(events.TypeSnapshot, events.Snapshot{})
	}))
	require.NoError(t, err)
	h.Publish(msg(1))

	assert.Equal(t, events.TypeSnapshot, s.next(t).Type)
	assert.Equal(t, events.TypeSystemReset, s.next(t).Type)
}

func TestHub_SlowPreludeDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	h := New(nil)
	defer h.Close()

	other := newFakeSub()
	_, err := h.Attach(other)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	defer unblock()
	s := newFakeSub()
	_, err = h.Attach(s, WithPrelude(func() events.Event {
		close(entered)
		<-release
		return events.New(events.TypeSnapshot, events.Snapshot{})
	}))
	require.NoError(t, err)
	<-entered

	published := make(chan struct{})
	go func() {
		h.Publish(msg(1))
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked behind a slow prelude")
	}
	assert.Equal(t, events.TypeSystemReset, other.next(t).Type)
	s.assertNothing(t)

	unblock()
	assert.Equal(t, events.TypeSnapshot, s.next(t).Type)
	assert.Equal(t, events.TypeSystemReset, s.next(t).Type)
}

func TestHub_EmptyPreludeSkipped(t *testing.T) {
	t.Parallel()

	h := New(nil)
	defer h.Close()

	s := newFakeSub()
	_, err := h.Attach(s, WithPrelude(func() events.Event { return events.Event{} }))
	require.NoError(t, err)
	h.Publish(msg(1))

	assert.Equal(t, events.TypeSystemReset, s.next(t).Type)
}

func TestHub_LateSubscriberSeesOnlyLaterEvents(t *testing.T) {
	t.Parallel()

	h := New(nil)
	defer h.Close()

	h.Publish(msg(0))
	s := newFakeSub()
	_, err := h.Attach(s)
	require.NoError(t, err)
	h.Publish(msg(1))

	got, err := events.Decode[events.SystemReset](s.next(t))
	require.NoError(t, err)
	assert.Equal(t, "1", got.Message)
	s.assertNothing(t)
}

func TestHub_SlowSubscriberEvicted(t *testing.T) {
	t.Parallel()

	var evicted []string
	var mu sync.Mutex
	h := New(nil, WithHooks(Hooks{OnEvict: func(reason string) {
		mu.Lock()
		evicted = append(evicted, reason)
		mu.Unlock()
	}}))
	defer h.Close()

	slow := newFakeSub()
	slow.block = make(chan struct{})
	defer close(slow.block)
	fast := newFakeSub()

	_, err := h.Attach(slow, WithMailbox(1))
	require.NoError(t, err)
	_, err = h.Attach(fast)
	require.NoError(t, err)

	// first event is taken by the delivery goroutine and blocks in Send,
	// the second fills the mailbox, a later one overflows
	for i := range 5 {
		h.Publish(msg(i))
	}

	for i := range 5 {
		got, err := events.Decode[events.SystemReset](fast.next(t))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), got.Message)
	}

	require.Eventually(t, func() bool { return h.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return slow.closes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{EvictOverflow}, evicted)
	mu.Unlock()
}

func TestHub_SendErrorEvicts(t *testing.T) {
	t.Parallel()

	h := New(nil)
	defer h.Close()

	bad := newFakeSub()
	bad.sendErr = errors.New("broken pipe")
	good := newFakeSub()

	_, err := h.Attach(bad)
	require.NoError(t, err)
	_, err = h.Attach(good)
	require.NoError(t, err)

	h.Publish(msg(1))
	h.Publish(msg(2))

	good.next(t)
	good.next(t)
	require.Eventually(t, func() bool { return h.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return bad.closes.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_Detach(t *testing.T) {
	t.Parallel()

	h := New(nil)
	defer h.Close()

	s := newFakeSub()
	tok, err := h.Attach(s)
	require.NoError(t, err)

	assert.True(t, h.Detach(tok))
	assert.False(t, h.Detach(tok))
	assert.False(t, h.Detach(Token("never-attached")))
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, int32(1), s.closes.Load())

	h.Publish(msg(1))
	s.assertNothing(t)
}

func TestHub_Close(t *testing.T) {
	t.Parallel()

	h := New(nil)
	a, b := newFakeSub(), newFakeSub()
	_, err := h.Attach(a)
	require.NoError(t, err)
	_, err = h.Attach(b)
	require.NoError(t, err)

	h.Close()
	h.Close()

	assert.Equal(t, 0, h.Len())
	assert.Equal(t, int32(1), a.closes.Load())
	assert.Equal(t, int32(1), b.closes.Load())

	_, err = h.Attach(newFakeSub())
	assert.ErrorIs(t, err, ErrClosed)

	h.Publish(msg(1))
	a.assertNothing(t)
}

func TestHub_ConcurrentAttachDetachPublish(t *testing.T) {
	t.Parallel()

	h := New(nil)
	defer h.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				tok, err := h.Attach(newFakeSub())
				if err == nil {
					h.Detach(tok)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := range 50 {
				h.Publish(msg(i))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, h.Len())
}

func TestMetrics_Hooks(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	h := New(nil, WithHooks(m.Hooks()))
	defer h.Close()

	s := newFakeSub()
	tok, err := h.Attach(s)
	require.NoError(t, err)
	_, err = h.Attach(newFakeSub())
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Subscribers))

	h.Publish(msg(1))
	h.Publish(events.New(events.TypeEcho, events.Echo{}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues(string(events.TypeSystemReset))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues(string(events.TypeEcho))))

	h.Detach(tok)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Subscribers))
}
