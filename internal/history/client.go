// Package history fetches call history from the calls service and layers
// locally finished calls on top until the server catches up.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/parley-chat/parley/internal/call"
)

var log = logging.Logger("history")

// Entry is one row of a user's call history.
type Entry struct {
	ID              string         `json:"id"`
	PeerID          string         `json:"peerId"`
	PeerName        string         `json:"peerName,omitempty"`
	Direction       call.Direction `json:"direction"`
	MediaKind       string         `json:"mediaKind"`
	IsGroup         bool           `json:"isGroup,omitempty"`
	StartedAt       int64          `json:"startedAt"` // unix millis, 0 if never connected
	DurationSeconds int            `json:"durationSeconds"`
	Status          string         `json:"status"`
}

type callsResponse struct {
	Calls []Entry `json:"calls"`
}

// Recorder persists finished calls locally. Satisfied by storage.DB.
type Recorder interface {
	RecordCall(e call.LogEntry) error
}

// Client reads call history from the calls service. Finished local calls are
// appended via Record so they show up immediately; the server remains the
// source of truth and is never written to from here.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	store Recorder

	mu    sync.Mutex
	local []Entry
}

func NewClient(baseURL string, store Recorder) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
		store: store,
	}
}

// getJSON performs a GET request, drains the response body, and decodes JSON
// into v. Returns (false, nil) on 404 (no history for the user yet).
func (c *Client) getJSON(ctx context.Context, url string, v any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("GET %s: status %s", url, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, err
	}
	return true, nil
}

// FetchUserCalls returns the server's history for userID with locally
// recorded calls merged in, newest first. Local entries the server already
// knows about (same id) are dropped from the overlay.
func (c *Client) FetchUserCalls(ctx context.Context, userID string) ([]Entry, error) {
	if c.BaseURL == "" {
		return c.localSnapshot(nil), nil
	}

	var out callsResponse
	u := c.BaseURL + "/calls/public/user/" + url.PathEscape(userID)
	found, err := c.getJSON(ctx, u, &out)
	if err != nil {
		return nil, err
	}
	if !found {
		return c.localSnapshot(nil), nil
	}

	seen := make(map[string]bool, len(out.Calls))
	for _, e := range out.Calls {
		seen[e.ID] = true
	}
	merged := c.localSnapshot(seen)
	merged = append(merged, out.Calls...)
	return merged, nil
}

// Record appends a finished call to the local overlay and the local call log.
// Implements call.CallLogger.
func (c *Client) RecordCall(e call.LogEntry) error {
	entry := Entry{
		ID:              e.CallID,
		PeerID:          e.PeerID,
		Direction:       e.Direction,
		MediaKind:       string(e.MediaKind),
		IsGroup:         e.IsGroup,
		DurationSeconds: int(e.EndedAt.Sub(e.StartedAt).Seconds()),
		Status:          string(e.Status),
	}
	if !e.StartedAt.IsZero() {
		entry.StartedAt = e.StartedAt.UnixMilli()
	} else {
		entry.DurationSeconds = 0
	}

	c.mu.Lock()
	c.local = append([]Entry{entry}, c.local...)
	const keep = 200
	if len(c.local) > keep {
		c.local = c.local[:keep]
	}
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.RecordCall(e); err != nil {
		log.Warnf("HISTORY [%s]: persist call log: %v", e.CallID, err)
		return err
	}
	return nil
}

func (c *Client) localSnapshot(skip map[string]bool) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.local))
	for _, e := range c.local {
		if skip != nil && skip[e.ID] {
			continue
		}
		out = append(out, e)
	}
	return out
}
