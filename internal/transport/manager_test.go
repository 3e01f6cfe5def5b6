package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/internal/errs"
)

// fakeConn is a scriptable in-memory connection.
type fakeConn struct {
	in chan *Frame

	mu     sync.Mutex
	sent   []*Frame
	closed bool
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan *Frame, 16), done: make(chan struct{})}
}

func (c *fakeConn) Send(f *Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("send on closed conn")
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Receive() (*Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.done:
		return nil, errors.New("connection reset")
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// drop simulates the remote side severing the connection.
func (c *fakeConn) drop() { c.Close() }

// fakeBinding scripts dial outcomes per attempt (1-based).
type fakeBinding struct {
	mu      sync.Mutex
	dials   int
	conns   []*fakeConn
	dialFn  func(attempt int) error // nil result means success
	authFn  func(attempt int) error
}

func (b *fakeBinding) Dial(ctx context.Context) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialFn != nil {
		if err := b.dialFn(b.dials); err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBinding) Authenticate(ctx context.Context, conn Conn, creds Credentials) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.authFn != nil {
		return b.authFn(b.dials)
	}
	return nil
}

func (b *fakeBinding) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBinding) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

func newTestManager(b *fakeBinding, maxAttempts int) *Manager {
	return NewManager(b, Options{
		Name:        "test",
		BackoffBase: time.Millisecond,
		MaxAttempts: maxAttempts,
	})
}

func TestDelayLaw(t *testing.T) {
	base := 500 * time.Millisecond
	prev := time.Duration(0)
	for n := 1; n <= 6; n++ {
		d := Delay(base, n)
		assert.Equal(t, base*(1<<(n-1)), d, "attempt %d", n)
		assert.Greater(t, d, prev, "delays must increase monotonically")
		prev = d
	}
}

func TestConnectIdempotentWhileConnected(t *testing.T) {
	b := &fakeBinding{}
	m := newTestManager(b, 3)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background(), Credentials{UserID: "u1"}))
	require.Equal(t, StatusConnected, m.Status())

	// Second connect is a no-op: no new dial, counter untouched.
	require.NoError(t, m.Connect(context.Background(), Credentials{UserID: "u1"}))
	assert.Equal(t, 1, b.dialCount())
	assert.Equal(t, 0, m.ReconnectAttempt())
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	b := &fakeBinding{
		authFn: func(int) error {
			return errs.New(errs.AuthenticationFailed, "bad token")
		},
	}
	m := newTestManager(b, 5)

	err := m.Connect(context.Background(), Credentials{UserID: "u1", Token: "nope"})
	require.Error(t, err)
	assert.Equal(t, errs.AuthenticationFailed, errs.KindOf(err))
	assert.Equal(t, StatusFailed, m.Status())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.dialCount(), "auth failures must not trigger backoff retries")
}

func TestReconnectExhaustedAfterMaxAttempts(t *testing.T) {
	b := &fakeBinding{}
	m := newTestManager(b, 3)
	defer m.Disconnect()

	var mu sync.Mutex
	var events []string
	m.OnAny(func(f *Frame) {
		mu.Lock()
		events = append(events, f.Event)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), Credentials{UserID: "u1"}))

	// Every redial fails from now on.
	b.mu.Lock()
	b.dialFn = func(attempt int) error { return errors.New("refused") }
	b.mu.Unlock()
	b.lastConn().drop()

	require.Eventually(t, func() bool { return m.Status() == StatusFailed },
		time.Second, 5*time.Millisecond)

	// One initial dial plus exactly MaxAttempts retries, then silence.
	dials := b.dialCount()
	assert.Equal(t, 1+3, dials)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, dials, b.dialCount(), "no automatic attempts after exhaustion")

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, EventDown)
	assert.Contains(t, events, EventExhausted)
}

func TestReconnectSucceedsAndResetsAttempt(t *testing.T) {
	b := &fakeBinding{}
	m := newTestManager(b, 5)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background(), Credentials{UserID: "u1"}))

	// First two redials fail, third succeeds.
	b.mu.Lock()
	b.dialFn = func(attempt int) error {
		if attempt <= 3 { // attempts 2 and 3 overall fail
			return errors.New("refused")
		}
		return nil
	}
	b.mu.Unlock()
	b.lastConn().drop()

	require.Eventually(t, func() bool { return m.IsConnected() },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.ReconnectAttempt(), "counter resets on successful connect")
}

func TestDispatchOrderAndPanicIsolation(t *testing.T) {
	b := &fakeBinding{}
	m := newTestManager(b, 3)
	defer m.Disconnect()
	require.NoError(t, m.Connect(context.Background(), Credentials{UserID: "u1"}))

	var mu sync.Mutex
	var order []int
	m.On("ping", func(*Frame) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	m.On("ping", func(*Frame) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		panic("handler blew up")
	})
	m.On("ping", func(*Frame) {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
	})

	b.lastConn().in <- &Frame{Event: "ping"}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order, "registration order, panic does not stop dispatch")
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	b := &fakeBinding{}
	m := NewManager(b, Options{
		Name:        "test",
		BackoffBase: 50 * time.Millisecond,
		MaxAttempts: 5,
	})
	require.NoError(t, m.Connect(context.Background(), Credentials{UserID: "u1"}))

	b.mu.Lock()
	b.dialFn = func(attempt int) error { return errors.New("refused") }
	b.mu.Unlock()
	b.lastConn().drop()

	require.Eventually(t, func() bool { return m.Status() == StatusReconnecting },
		time.Second, time.Millisecond)
	m.Disconnect()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, b.dialCount(), "reconnect must not fire after explicit teardown")
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestEmitWhileDisconnected(t *testing.T) {
	m := newTestManager(&fakeBinding{}, 3)
	err := m.Emit("call-offer", map[string]string{"callId": "c1"})
	require.Error(t, err)
	assert.Equal(t, errs.TransportFailed, errs.KindOf(err))
}

func TestHandlerCancelStopsDelivery(t *testing.T) {
	b := &fakeBinding{}
	m := newTestManager(b, 3)
	defer m.Disconnect()
	require.NoError(t, m.Connect(context.Background(), Credentials{UserID: "u1"}))

	var mu sync.Mutex
	count := 0
	cancel := m.On("ping", func(*Frame) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.lastConn().in <- &Frame{Event: "ping"}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	b.lastConn().in <- &Frame{Event: "ping"}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestManualConnectAfterExhaustion(t *testing.T) {
	b := &fakeBinding{}
	m := newTestManager(b, 2)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background(), Credentials{UserID: "u1"}))

	b.mu.Lock()
	b.dialFn = func(attempt int) error { return errors.New("refused") }
	b.mu.Unlock()
	b.lastConn().drop()

	require.Eventually(t, func() bool { return m.Status() == StatusFailed },
		time.Second, 5*time.Millisecond)

	// Server is reachable again; only an explicit Connect resumes.
	b.mu.Lock()
	b.dialFn = nil
	b.mu.Unlock()

	require.NoError(t, m.Connect(context.Background(), Credentials{UserID: "u1"}))
	assert.Equal(t, StatusConnected, m.Status())
	assert.Equal(t, 0, m.ReconnectAttempt())
}

func TestExhaustedEventCarriesFailureKind(t *testing.T) {
	b := &fakeBinding{}
	m := newTestManager(b, 1)
	defer m.Disconnect()

	var mu sync.Mutex
	var exhausted *Frame
	m.On(EventExhausted, func(f *Frame) {
		mu.Lock()
		exhausted = f
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background(), Credentials{UserID: "u1"}))

	b.mu.Lock()
	b.dialFn = func(attempt int) error { return errors.New("refused") }
	b.mu.Unlock()
	b.lastConn().drop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return exhausted != nil
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var p ExhaustedPayload
	require.NoError(t, exhausted.DecodePayload(&p))
	assert.Equal(t, string(errs.ReconnectExhausted), p.Kind)
	assert.NotEmpty(t, p.Message)
}
