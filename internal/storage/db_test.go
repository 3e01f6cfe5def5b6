package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-chat/parley/internal/call"
	"github.com/parley-chat/parley/internal/media"
	"github.com/parley-chat/parley/internal/relay"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndListMessages(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	require.NoError(t, db.SaveMessage(relay.Message{ID: "m1", Peer: "userB", From: "userB", Body: "first", SentAt: now.Add(-2 * time.Minute), Incoming: true}))
	require.NoError(t, db.SaveMessage(relay.Message{ID: "m2", Peer: "userB", From: "me", Body: "second", SentAt: now.Add(-time.Minute)}))
	require.NoError(t, db.SaveMessage(relay.Message{ID: "m3", Peer: "userC", From: "userC", Body: "other chat", SentAt: now, Incoming: true}))

	msgs, err := db.RecentMessages("userB", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Body, "oldest first")
	assert.Equal(t, "second", msgs[1].Body)
	assert.True(t, msgs[0].Incoming)
	assert.False(t, msgs[1].Incoming)
}

func TestSaveMessageIgnoresSameID(t *testing.T) {
	db := openTestDB(t)
	m := relay.Message{ID: "m1", Peer: "userB", From: "userB", Body: "hi", SentAt: time.Now()}
	require.NoError(t, db.SaveMessage(m))
	require.NoError(t, db.SaveMessage(m))

	msgs, err := db.RecentMessages("userB", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestHasEquivalentMessageWindow(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	require.NoError(t, db.SaveMessage(relay.Message{ID: "m1", Peer: "userB", From: "userB", Body: "hi", SentAt: now}))

	dup, err := db.HasEquivalentMessage("userB", "hi", now.Add(800*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, dup, "within the one second window")

	dup, err = db.HasEquivalentMessage("userB", "hi", now.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, dup, "outside the window it is a new message")

	dup, err = db.HasEquivalentMessage("userC", "hi", now)
	require.NoError(t, err)
	assert.False(t, dup, "other conversation")
}

func TestCallLogRoundTrip(t *testing.T) {
	db := openTestDB(t)
	started := time.Now().Add(-time.Minute)
	ended := time.Now()

	require.NoError(t, db.RecordCall(call.LogEntry{
		CallID: "c1", PeerID: "userB", Direction: call.Outgoing,
		MediaKind: media.Video, StartedAt: started, EndedAt: ended, Status: call.StatusEnded,
	}))
	require.NoError(t, db.RecordCall(call.LogEntry{
		CallID: "c2", PeerID: "userC", Direction: call.Missed,
		MediaKind: media.Voice, EndedAt: ended.Add(time.Second), Status: call.StatusEnded,
	}))

	calls, err := db.ListCalls(10)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "c2", calls[0].CallID, "newest first")
	assert.Equal(t, call.Missed, calls[0].Direction)
	assert.True(t, calls[0].StartedAt.IsZero(), "missed calls never started")
	assert.Equal(t, "c1", calls[1].CallID)
	assert.Equal(t, media.Video, calls[1].MediaKind)
	assert.Equal(t, started.UnixMilli(), calls[1].StartedAt.UnixMilli())
}
