package api

import (
	"net/http"

	"github.com/parley-chat/parley/internal/media"
)

// registerCall exposes the call manager: start/answer/reject/end plus the
// in-call media toggles.
func registerCall(mux *http.ServeMux, d Deps) {
	if d.Calls == nil {
		return
	}

	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Calls.Snapshot())
	})

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		TargetID  string   `json:"targetId"`
		TargetIDs []string `json:"targetIds"`
		MediaKind string   `json:"mediaKind"`
	}) {
		kind := media.Kind(req.MediaKind)
		if kind != media.Voice && kind != media.Video {
			http.Error(w, "mediaKind must be voice or video", http.StatusBadRequest)
			return
		}

		var err error
		switch {
		case len(req.TargetIDs) > 0:
			_, err = d.Calls.StartGroup(r.Context(), req.TargetIDs, kind)
		case req.TargetID != "":
			_, err = d.Calls.Start(r.Context(), req.TargetID, kind)
		default:
			http.Error(w, "missing targetId or targetIds", http.StatusBadRequest)
			return
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, d.Calls.Snapshot())
	})

	handlePost(mux, "/api/call/answer", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := d.Calls.Answer(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, d.Calls.Snapshot())
	})

	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := d.Calls.Reject(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := d.Calls.End(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	handlePost(mux, "/api/call/reset", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := d.Calls.Reset(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, d.Calls.Snapshot())
	})

	handlePost(mux, "/api/call/toggle-mute", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		writeJSON(w, map[string]bool{"muted": d.Calls.ToggleMute()})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		writeJSON(w, map[string]bool{"videoOn": d.Calls.ToggleVideo()})
	})

	handlePost(mux, "/api/call/share-screen", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := d.Calls.ShareScreen(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "sharing"})
	})

	handlePost(mux, "/api/call/stop-sharing", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		d.Calls.StopSharing()
		writeJSON(w, map[string]string{"status": "stopped"})
	})

	// GET /api/call/log?limit=N: the local call log, no server round trip.
	if d.DB != nil {
		handleGet(mux, "/api/call/log", func(w http.ResponseWriter, r *http.Request) {
			limit := atoiOrDefault(r.URL.Query().Get("limit"), 50)
			entries, err := d.DB.ListCalls(limit)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, entries)
		})
	}

	if d.History != nil && d.Auth != nil {
		handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
			u, err := d.Auth.CurrentUser()
			if err != nil {
				writeError(w, err)
				return
			}
			calls, err := d.History.FetchUserCalls(r.Context(), u.ID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]any{"calls": calls})
		})
	}
}
