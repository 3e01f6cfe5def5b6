package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/transport"
)

type fakeTransport struct {
	mu       sync.Mutex
	emitted  []struct {
		event   string
		payload any
	}
	handlers map[string][]transport.Handler
	down     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeTransport) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, struct {
		event   string
		payload any
	}{event, payload})
	return nil
}

func (f *fakeTransport) On(event string, fn transport.Handler) func() {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeTransport) IsConnected() bool { return !f.down }

func (f *fakeTransport) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	frame, err := transport.NewFrame(event, payload)
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]transport.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(frame)
	}
}

func (f *fakeTransport) emissions(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.emitted {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

// memStore implements Store with the 1-second equivalence window.
type memStore struct {
	mu   sync.Mutex
	msgs []Message
}

func (s *memStore) SaveMessage(m Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *memStore) HasEquivalentMessage(peer, body string, sentAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.Peer == peer && m.Body == body {
			d := m.SentAt.Sub(sentAt)
			if d < 0 {
				d = -d
			}
			if d <= time.Second {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *memStore) RecentMessages(peer string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.msgs {
		if m.Peer == peer {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func newTestRelay(t *testing.T) (*Relay, *fakeTransport, *memStore) {
	t.Helper()
	tr := newFakeTransport()
	store := &memStore{}
	r := New(Options{
		Transport:      tr,
		Auth:           &auth.Static{User: &auth.User{ID: "me", Name: "Me"}},
		Store:          store,
		PresenceTTL:    time.Minute,
		HistoryTimeout: 500 * time.Millisecond,
	})
	t.Cleanup(r.Close)
	return r, tr, store
}

func TestSendRecordsOptimistically(t *testing.T) {
	r, tr, store := newTestRelay(t)

	msg, err := r.Send("userB", "hello")
	require.NoError(t, err)
	assert.Equal(t, "me", msg.From)
	assert.Equal(t, 1, store.count())

	sent := tr.emissions(EventMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].(MessagePayload).Body)
}

func TestInboundMessageStoredAndFannedOut(t *testing.T) {
	r, tr, store := newTestRelay(t)

	ch, cancel := r.OnMessage()
	defer cancel()

	tr.deliver(t, EventMessage, MessagePayload{
		ID: "m1", From: "userB", To: "me", Body: "hi", TS: time.Now().UnixMilli(),
	})

	select {
	case got := <-ch:
		assert.Equal(t, "hi", got.Body)
		assert.True(t, got.Incoming)
	case <-time.After(time.Second):
		t.Fatal("message not delivered to subscriber")
	}
	assert.Equal(t, 1, store.count())
}

func TestDuplicateWithinOneSecondDropped(t *testing.T) {
	r, tr, store := newTestRelay(t)
	_ = r

	now := time.Now()
	tr.deliver(t, EventMessage, MessagePayload{ID: "m1", From: "userB", Body: "hi", TS: now.UnixMilli()})
	// replayed copy 400ms apart: equivalent, dropped
	tr.deliver(t, EventMessage, MessagePayload{ID: "m2", From: "userB", Body: "hi", TS: now.Add(400 * time.Millisecond).UnixMilli()})
	assert.Equal(t, 1, store.count())

	// same body two seconds later is a genuinely new message
	tr.deliver(t, EventMessage, MessagePayload{ID: "m3", From: "userB", Body: "hi", TS: now.Add(2 * time.Second).UnixMilli()})
	assert.Equal(t, 2, store.count())
}

func TestHistoryQueryCorrelation(t *testing.T) {
	r, tr, _ := newTestRelay(t)

	done := make(chan []Message, 1)
	go func() {
		msgs, err := r.QueryHistory(context.Background(), "userB", time.Time{}, 10)
		require.NoError(t, err)
		done <- msgs
	}()

	var req HistoryRequestPayload
	require.Eventually(t, func() bool {
		reqs := tr.emissions(EventHistoryRequest)
		if len(reqs) == 0 {
			return false
		}
		req = reqs[0].(HistoryRequestPayload)
		return true
	}, time.Second, 10*time.Millisecond)

	// a result for some other query must be ignored
	tr.deliver(t, EventHistoryResult, HistoryResultPayload{QueryID: "bogus", Messages: []MessagePayload{
		{ID: "x", From: "userB", Body: "stale", TS: time.Now().UnixMilli()},
	}})

	tr.deliver(t, EventHistoryResult, HistoryResultPayload{QueryID: req.QueryID, Messages: []MessagePayload{
		{ID: "h1", From: "userB", Body: "old one", TS: time.Now().Add(-time.Hour).UnixMilli()},
		{ID: "h2", From: "me", Body: "old two", TS: time.Now().Add(-59 * time.Minute).UnixMilli()},
	}})

	select {
	case msgs := <-done:
		require.Len(t, msgs, 2)
		assert.Equal(t, "old one", msgs[0].Body)
		assert.True(t, msgs[0].Incoming)
		assert.False(t, msgs[1].Incoming)
	case <-time.After(time.Second):
		t.Fatal("history query did not resolve")
	}
}

func TestHistoryQueryTimesOut(t *testing.T) {
	r, _, _ := newTestRelay(t)

	_, err := r.QueryHistory(context.Background(), "userB", time.Time{}, 10)
	require.Error(t, err)
}

func TestHistoryMergeDropsKnownMessages(t *testing.T) {
	r, tr, store := newTestRelay(t)

	now := time.Now()
	require.NoError(t, store.SaveMessage(Message{ID: "m1", Peer: "userB", From: "userB", Body: "hi", SentAt: now}))

	done := make(chan []Message, 1)
	go func() {
		msgs, err := r.QueryHistory(context.Background(), "userB", time.Time{}, 10)
		require.NoError(t, err)
		done <- msgs
	}()

	var req HistoryRequestPayload
	require.Eventually(t, func() bool {
		reqs := tr.emissions(EventHistoryRequest)
		if len(reqs) == 0 {
			return false
		}
		req = reqs[0].(HistoryRequestPayload)
		return true
	}, time.Second, 10*time.Millisecond)

	tr.deliver(t, EventHistoryResult, HistoryResultPayload{QueryID: req.QueryID, Messages: []MessagePayload{
		{ID: "h1", From: "userB", Body: "hi", TS: now.UnixMilli()}, // archive copy of m1
		{ID: "h2", From: "userB", Body: "new", TS: now.UnixMilli()},
	}})

	msgs := <-done
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].Body)
	assert.Equal(t, 2, store.count())
}

func TestReconnectResyncsPresence(t *testing.T) {
	r, tr, _ := newTestRelay(t)

	tr.deliver(t, EventPresence, PresencePayload{UserID: "userB", Status: "online"})
	assert.True(t, r.Peers().Online("userB"))

	// reconnect: stale presence is dropped and re-requested
	tr.deliver(t, transport.EventConnected, nil)
	assert.False(t, r.Peers().Online("userB"))
	assert.Len(t, tr.emissions(EventPresence), 1, "own presence re-announced")
	assert.Len(t, tr.emissions(EventRosterRequest), 1)

	tr.deliver(t, EventRoster, RosterPayload{Peers: []PresencePayload{
		{UserID: "userB", Status: "online"},
		{UserID: "userC", Status: "offline"},
	}})
	assert.True(t, r.Peers().Online("userB"))
	assert.False(t, r.Peers().Online("userC"))
	assert.Len(t, r.Peers().Snapshot(), 2)
}

func TestPresenceExpires(t *testing.T) {
	table := NewPeerTable(50 * time.Millisecond)
	table.Upsert("userB", "", "online")
	require.True(t, table.Online("userB"))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, table.Online("userB"))
	assert.Empty(t, table.Snapshot())
}

func TestMessagePayloadWireShape(t *testing.T) {
	raw, err := json.Marshal(MessagePayload{ID: "m1", From: "a", To: "b", Body: "x", TS: 123})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"m1","from":"a","to":"b","body":"x","ts":123}`, string(raw))
}
