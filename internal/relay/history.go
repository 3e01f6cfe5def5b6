package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/errs"
	"github.com/parley-chat/parley/internal/transport"
)

// HistoryRequestPayload asks the server for a page of archived messages.
type HistoryRequestPayload struct {
	QueryID string `json:"queryId"`
	Peer    string `json:"peer"`
	Before  int64  `json:"before,omitempty"` // unix millis, 0 = newest page
	Limit   int    `json:"limit"`
}

// HistoryResultPayload is one page of archive, correlated by QueryID.
type HistoryResultPayload struct {
	QueryID  string           `json:"queryId"`
	Messages []MessagePayload `json:"messages"`
	Complete bool             `json:"complete"`
}

// historyBook tracks in-flight history queries by id. Responses with an
// unknown or already-resolved id are dropped.
type historyBook struct {
	mu      sync.Mutex
	pending map[string]chan HistoryResultPayload
}

func newHistoryBook() *historyBook {
	return &historyBook{pending: make(map[string]chan HistoryResultPayload)}
}

func (b *historyBook) open(id string) chan HistoryResultPayload {
	ch := make(chan HistoryResultPayload, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	return ch
}

func (b *historyBook) resolve(p HistoryResultPayload) bool {
	b.mu.Lock()
	ch, ok := b.pending[p.QueryID]
	delete(b.pending, p.QueryID)
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- p
	return true
}

func (b *historyBook) drop(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *historyBook) failAll() {
	b.mu.Lock()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	b.mu.Unlock()
}

// QueryHistory fetches one page of the archive for peer, merging new
// messages into the store. Messages already present (same conversation,
// same body, sent within a second of a stored one) are duplicates from
// overlapping pages or reconnect replays and are dropped.
func (r *Relay) QueryHistory(ctx context.Context, peer string, before time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	id := uuid.NewString()
	ch := r.history.open(id)
	defer r.history.drop(id)

	req := HistoryRequestPayload{QueryID: id, Peer: peer, Limit: limit}
	if !before.IsZero() {
		req.Before = before.UnixMilli()
	}
	if err := r.opts.Transport.Emit(EventHistoryRequest, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(r.opts.HistoryTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errs.Newf(errs.TransportFailed, "history query %s timed out", id)
	case res, ok := <-ch:
		if !ok {
			return nil, errs.New(errs.TransportFailed, "relay closed during history query")
		}
		var merged []Message
		for _, p := range res.Messages {
			msg := Message{
				ID:       p.ID,
				Peer:     peer,
				From:     p.From,
				Body:     p.Body,
				SentAt:   time.UnixMilli(p.TS),
				Incoming: p.From == peer,
			}
			if r.merge(msg) {
				merged = append(merged, msg)
				r.msgListeners.publish(msg)
			}
		}
		log.Infof("RELAY: history page for %s; %d received, %d new", peer, len(res.Messages), len(merged))
		return merged, nil
	}
}

func (r *Relay) handleHistoryResult(f *transport.Frame) {
	var p HistoryResultPayload
	if err := f.DecodePayload(&p); err != nil {
		return
	}
	if !r.history.resolve(p) {
		log.Debugf("RELAY: history result for unknown query %s dropped", p.QueryID)
	}
}
