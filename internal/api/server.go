// Package api is the localhost control surface: a small JSON/SSE API the
// front end (or curl) drives the client through. It binds to loopback only
// and rejects non-loopback callers as a second line of defense.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/call"
	"github.com/parley-chat/parley/internal/history"
	"github.com/parley-chat/parley/internal/notify"
	"github.com/parley-chat/parley/internal/relay"
	"github.com/parley-chat/parley/internal/storage"
	"github.com/parley-chat/parley/internal/transport"
)

var log = logging.Logger("api")

// Deps is everything the routes reach into. Nil fields disable the
// corresponding route group.
type Deps struct {
	Auth    auth.Provider
	Calls   *call.Manager
	Relay   *relay.Relay
	Notices *notify.Hub
	History *history.Client
	DB      *storage.DB
	Signal  *transport.Manager
	Stream  *transport.Manager
}

// Server wraps the http.Server around the registered routes.
type Server struct {
	Addr string
	srv  *http.Server
}

func NewServer(addr string, d Deps) *Server {
	mux := http.NewServeMux()
	Register(mux, d)
	return &Server{
		Addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Serve blocks until Shutdown or a listener error.
func (s *Server) Serve() error {
	log.Infof("API: listening on http://%s", s.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Register wires all route groups onto mux.
func Register(mux *http.ServeMux, d Deps) {
	registerStatus(mux, d)
	registerCall(mux, d)
	registerRelay(mux, d)
	registerEvents(mux, d)
}

func registerStatus(mux *http.ServeMux, d Deps) {
	handleGet(mux, "/api/status", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{}
		if d.Auth != nil {
			if u, err := d.Auth.CurrentUser(); err == nil {
				out["self"] = u
			}
		}
		if d.Signal != nil {
			out["signal"] = map[string]any{
				"status":  d.Signal.Status(),
				"attempt": d.Signal.ReconnectAttempt(),
			}
		}
		if d.Stream != nil {
			out["stream"] = map[string]any{
				"status":  d.Stream.Status(),
				"attempt": d.Stream.ReconnectAttempt(),
			}
		}
		writeJSON(w, out)
	})

	if d.Notices != nil {
		handleGet(mux, "/api/notices", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, d.Notices.Recent())
		})
	}
}
