package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentKeepsNewest(t *testing.T) {
	h := NewHub(2)
	h.Notify("one", KindInfo)
	h.Notify("two", KindWarning)
	h.Notify("three", KindError)

	recent := h.Recent()
	require.Len(t, recent, 2)
	assert.Equal(t, "two", recent[0].Message)
	assert.Equal(t, "three", recent[1].Message)
}

func TestSubscribeReceivesNotices(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Notify("call ended", KindInfo)

	select {
	case n := <-ch:
		assert.Equal(t, "call ended", n.Message)
		assert.Equal(t, KindInfo, n.Kind)
		assert.WithinDuration(t, time.Now(), n.At, time.Second)
	case <-time.After(time.Second):
		t.Fatal("notice never delivered")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	cancel()

	h.Notify("after cancel", KindInfo)

	_, open := <-ch
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Notify("burst", KindInfo)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a slow subscriber")
	}
}
