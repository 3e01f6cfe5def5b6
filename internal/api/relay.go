package api

import (
	"net/http"
	"time"
)

// registerRelay exposes messaging, presence, and server-side message history.
func registerRelay(mux *http.ServeMux, d Deps) {
	if d.Relay == nil {
		return
	}

	handlePost(mux, "/api/relay/send", func(w http.ResponseWriter, r *http.Request, req struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}) {
		if req.To == "" || req.Body == "" {
			http.Error(w, "missing to or body", http.StatusBadRequest)
			return
		}
		msg, err := d.Relay.Send(req.To, req.Body)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, msg)
	})

	// GET /api/relay/conversation?peer=...&limit=N: local store only.
	handleGet(mux, "/api/relay/conversation", func(w http.ResponseWriter, r *http.Request) {
		peer := r.URL.Query().Get("peer")
		if peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		limit := atoiOrDefault(r.URL.Query().Get("limit"), 50)
		msgs, err := d.Relay.Conversation(peer, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, msgs)
	})

	// GET /api/relay/history?peer=...&before=millis&limit=N: asks the relay
	// server for older messages and merges them into the local store.
	handleGet(mux, "/api/relay/history", func(w http.ResponseWriter, r *http.Request) {
		peer := r.URL.Query().Get("peer")
		if peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		before := time.Now()
		if ms := atoiOrDefault(r.URL.Query().Get("before"), 0); ms > 0 {
			before = time.UnixMilli(int64(ms))
		}
		limit := atoiOrDefault(r.URL.Query().Get("limit"), 50)

		msgs, err := d.Relay.QueryHistory(r.Context(), peer, before, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, msgs)
	})

	handleGet(mux, "/api/relay/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Relay.Peers().Snapshot())
	})
}
