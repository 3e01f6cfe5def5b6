package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/parley-chat/parley/internal/errs"
)

var log = logging.Logger("transport")

// Handler receives one dispatched frame.
type Handler func(*Frame)

// Options tune a Manager. Zero values fall back to the defaults below.
type Options struct {
	// Name labels this connection in logs ("signal", "relay").
	Name string

	// BackoffBase is the delay before reconnect attempt 1; attempt n waits
	// BackoffBase * 2^(n-1).
	BackoffBase time.Duration

	// MaxAttempts caps consecutive reconnect attempts. After that the
	// manager surfaces EventExhausted and stops until a manual Connect.
	MaxAttempts int
}

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultMaxAttempts = 8
)

// Manager owns a single connection dialed through a Binding and keeps it
// alive. It persists across multiple calls and is destroyed explicitly on
// logout/shutdown, never implicitly by a feature letting go of it.
type Manager struct {
	binding     Binding
	name        string
	base        time.Duration
	maxAttempts int

	mu         sync.Mutex
	status     Status
	conn       Conn
	creds      Credentials
	attempt    int
	gen        int // connection generation; guards stale loops and timers
	retryTimer *time.Timer

	subMu   sync.RWMutex
	nextSub int
	subs    map[string][]subscription
	anySubs []subscription
}

type subscription struct {
	id int
	fn Handler
}

// NewManager creates a Manager over binding. It does not connect.
func NewManager(binding Binding, opts Options) *Manager {
	if opts.Name == "" {
		opts.Name = "conn"
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &Manager{
		binding:     binding,
		name:        opts.Name,
		base:        opts.BackoffBase,
		maxAttempts: opts.MaxAttempts,
		status:      StatusDisconnected,
		subs:        make(map[string][]subscription),
	}
}

// Delay returns the backoff delay for the given 1-based attempt:
// base * 2^(attempt-1).
func Delay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsConnected reports whether the connection is up and authenticated.
func (m *Manager) IsConnected() bool { return m.Status() == StatusConnected }

// ReconnectAttempt returns the current consecutive-failure counter.
func (m *Manager) ReconnectAttempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Connect dials and authenticates. While already connected it is a no-op
// (logged) and does not reset the attempt counter. A transport-level failure
// starts background reconnection and is also returned to the caller; an
// authentication failure is terminal and never retried automatically.
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	m.mu.Lock()
	if m.status == StatusConnected {
		m.mu.Unlock()
		log.Warnf("TRANSPORT [%s]: connect ignored; already connected", m.name)
		return nil
	}
	m.stopRetryLocked()
	m.gen++
	gen := m.gen
	m.creds = creds
	m.attempt = 0
	m.status = StatusConnecting
	m.mu.Unlock()

	conn, err := m.dialOnce(ctx, creds, gen)
	if err != nil {
		if errs.IsKind(err, errs.AuthenticationFailed) {
			m.setStatusIfGen(gen, StatusFailed)
			log.Errorf("TRANSPORT [%s]: authentication rejected: %v", m.name, err)
			m.dispatch(&Frame{Event: EventAuthFailed})
			return err
		}
		log.Warnf("TRANSPORT [%s]: connect failed, retrying with backoff: %v", m.name, err)
		m.setStatusIfGen(gen, StatusReconnecting)
		m.scheduleRetry(gen)
		return err
	}

	m.adopt(conn, gen)
	return nil
}

// Disconnect cancels any pending reconnection timer, then closes the
// connection. The order matters: a reconnect must never fire after an
// explicit teardown.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopRetryLocked()
	conn := m.conn
	m.conn = nil
	m.status = StatusDisconnected
	m.attempt = 0
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	log.Infof("TRANSPORT [%s]: disconnected", m.name)
}

// Emit sends one event to the server. It fails fast when not connected.
func (m *Manager) Emit(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.status == StatusConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return errs.Newf(errs.TransportFailed, "%s: not connected", m.name)
	}
	f, err := NewFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := conn.Send(f); err != nil {
		return errs.Wrap(errs.TransportFailed, fmt.Sprintf("%s: send %s", m.name, event), err)
	}
	return nil
}

// On registers a handler for one event name. Handlers run in registration
// order; a panicking handler does not stop dispatch to the next one.
func (m *Manager) On(event string, fn Handler) (cancel func()) {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[event] = append(m.subs[event], subscription{id: id, fn: fn})
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		list := m.subs[event]
		for i, s := range list {
			if s.id == id {
				m.subs[event] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		m.subMu.Unlock()
	}
}

// OnAny registers a wildcard handler that sees every frame, including the
// manager's synthetic transport-* events.
func (m *Manager) OnAny(fn Handler) (cancel func()) {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.anySubs = append(m.anySubs, subscription{id: id, fn: fn})
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		for i, s := range m.anySubs {
			if s.id == id {
				m.anySubs = append(m.anySubs[:i:i], m.anySubs[i+1:]...)
				break
			}
		}
		m.subMu.Unlock()
	}
}

// dialOnce performs one dial + auth handshake.
func (m *Manager) dialOnce(ctx context.Context, creds Credentials, gen int) (Conn, error) {
	conn, err := m.binding.Dial(ctx)
	if err != nil {
		if errs.KindOf(err) == "" {
			err = errs.Wrap(errs.TransportFailed, m.name+" dial", err)
		}
		return nil, err
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, errs.New(errs.TransportFailed, "connection superseded")
	}
	m.status = StatusAuthenticating
	m.mu.Unlock()

	if err := m.binding.Authenticate(ctx, conn, creds); err != nil {
		_ = conn.Close()
		if errs.KindOf(err) == "" {
			err = errs.Wrap(errs.TransportFailed, m.name+" auth handshake", err)
		}
		return nil, err
	}
	return conn, nil
}

// adopt installs a fresh connection and starts its read loop.
func (m *Manager) adopt(conn Conn, gen int) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.status = StatusConnected
	m.attempt = 0
	m.mu.Unlock()

	log.Infof("TRANSPORT [%s]: connected", m.name)
	go m.readLoop(conn, gen)
	m.dispatch(&Frame{Event: EventConnected})
}

func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		f, err := conn.Receive()
		if err != nil {
			m.mu.Lock()
			if m.gen != gen || m.status == StatusDisconnected {
				m.mu.Unlock()
				return // deliberate teardown
			}
			m.conn = nil
			m.status = StatusReconnecting
			m.attempt = 0
			m.mu.Unlock()

			log.Warnf("TRANSPORT [%s]: connection lost: %v", m.name, err)
			m.dispatch(&Frame{Event: EventDown})
			m.scheduleRetry(gen)
			return
		}
		m.dispatch(f)
	}
}

func (m *Manager) scheduleRetry(gen int) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.attempt++
	attempt := m.attempt
	if attempt > m.maxAttempts {
		m.status = StatusFailed
		m.mu.Unlock()
		log.Errorf("TRANSPORT [%s]: reconnect attempts exhausted after %d tries", m.name, m.maxAttempts)
		f, _ := NewFrame(EventExhausted, ExhaustedPayload{
			Kind:    string(errs.ReconnectExhausted),
			Message: "reconnect attempts exhausted",
		})
		m.dispatch(f)
		return
	}
	delay := Delay(m.base, attempt)
	m.retryTimer = time.AfterFunc(delay, func() { m.retry(gen) })
	m.mu.Unlock()
	log.Infof("TRANSPORT [%s]: reconnect attempt %d/%d in %s", m.name, attempt, m.maxAttempts, delay)
}

func (m *Manager) retry(gen int) {
	m.mu.Lock()
	if m.gen != gen || m.status != StatusReconnecting {
		m.mu.Unlock()
		return
	}
	creds := m.creds
	m.status = StatusConnecting
	m.mu.Unlock()

	conn, err := m.dialOnce(context.Background(), creds, gen)
	if err != nil {
		if errs.IsKind(err, errs.AuthenticationFailed) {
			m.setStatusIfGen(gen, StatusFailed)
			log.Errorf("TRANSPORT [%s]: reconnect refused; credentials rejected", m.name)
			m.dispatch(&Frame{Event: EventAuthFailed})
			return
		}
		m.setStatusIfGen(gen, StatusReconnecting)
		m.scheduleRetry(gen)
		return
	}
	m.adopt(conn, gen)
}

func (m *Manager) setStatusIfGen(gen int, s Status) {
	m.mu.Lock()
	if m.gen == gen {
		m.status = s
	}
	m.mu.Unlock()
}

// stopRetryLocked cancels a pending reconnect timer. Caller holds m.mu.
func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// dispatch delivers f to every handler registered for f.Event, then to the
// wildcard handlers, in registration order.
func (m *Manager) dispatch(f *Frame) {
	m.subMu.RLock()
	handlers := make([]subscription, 0, len(m.subs[f.Event])+len(m.anySubs))
	handlers = append(handlers, m.subs[f.Event]...)
	handlers = append(handlers, m.anySubs...)
	m.subMu.RUnlock()

	for _, s := range handlers {
		m.safeCall(s.fn, f)
	}
}

func (m *Manager) safeCall(fn Handler, f *Frame) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("TRANSPORT [%s]: handler panic on %q: %v", m.name, f.Event, r)
		}
	}()
	fn(f)
}
