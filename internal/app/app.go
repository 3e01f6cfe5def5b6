// Package app assembles the client: it loads config and identity from the
// client directory, dials both transports, and holds one instance of each
// component for the lifetime of the process.
package app

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/parley-chat/parley/internal/api"
	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/call"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/history"
	"github.com/parley-chat/parley/internal/media"
	"github.com/parley-chat/parley/internal/notify"
	"github.com/parley-chat/parley/internal/relay"
	"github.com/parley-chat/parley/internal/storage"
	"github.com/parley-chat/parley/internal/transport"
	"github.com/parley-chat/parley/internal/util"
)

var log = logging.Logger("app")

// App owns every long-lived component. There is exactly one of each; nothing
// here is package-global, so tests can build as many independent instances
// as they like.
type App struct {
	Dir      string
	Cfg      *config.Config
	Identity *auth.Identity
	DB       *storage.DB
	Notices  *notify.Hub
	Signal   *transport.Manager
	Stream   *transport.Manager
	Media    *media.Controller
	Calls    *call.Manager
	Relay    *relay.Relay
	History  *history.Client
	API      *api.Server
}

// New wires an App from the client directory. Nothing is dialed yet; Run
// does that.
func New(dir string) (*App, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.LogLevel != "" {
		config.ApplyLogLevel(cfg.LogLevel)
	}

	ident, err := auth.LoadIdentity(util.ResolvePath(dir, cfg.Profile.IdentityFile))
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	db, err := storage.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		Dir:      dir,
		Cfg:      cfg,
		Identity: ident,
		DB:       db,
		Notices:  notify.NewHub(100),
	}

	a.Signal = transport.NewManager(
		&transport.WebsocketBinding{URL: cfg.Signal.URL},
		transport.Options{
			Name:        "signal",
			BackoffBase: cfg.BackoffBase(),
			MaxAttempts: cfg.Backoff.MaxAttempts,
		})
	a.Stream = transport.NewManager(
		&transport.StreamBinding{Addr: cfg.Relay.Addr},
		transport.Options{
			Name:        "relay",
			BackoffBase: cfg.BackoffBase(),
			MaxAttempts: cfg.Backoff.MaxAttempts,
		})

	a.Media = media.NewController(media.NewDeviceCapturer(), media.Prefs{
		PreferredCam: cfg.Media.PreferredCam,
		PreferredMic: cfg.Media.PreferredMic,
	})

	a.History = history.NewClient(cfg.History.BaseURL, db)

	a.Calls = call.New(call.Options{
		Sig:         &signaler{mgr: a.Signal},
		Media:       a.Media,
		Auth:        ident,
		Notify:      a.Notices,
		RingTimeout: cfg.RingTimeout(),
		ICEServers:  cfg.Call.ICEServers,
		Log:         a.History,
	})

	a.Relay = relay.New(relay.Options{
		Transport:      a.Stream,
		Auth:           ident,
		Store:          db,
		PresenceTTL:    cfg.PresenceTTL(),
		HeartbeatEvery: time.Duration(cfg.Relay.HeartbeatSec) * time.Second,
	})

	a.API = api.NewServer(cfg.API.HTTPAddr, api.Deps{
		Auth:    ident,
		Calls:   a.Calls,
		Relay:   a.Relay,
		Notices: a.Notices,
		History: a.History,
		DB:      db,
		Signal:  a.Signal,
		Stream:  a.Stream,
	})

	return a, nil
}

// Run connects both transports and serves the API until ctx is cancelled.
// Transport dial failures are not fatal; the managers keep retrying with
// backoff while the API stays available.
func (a *App) Run(ctx context.Context) error {
	user, err := a.Identity.CurrentUser()
	if err != nil {
		return err
	}
	creds := transport.Credentials{UserID: user.ID, Token: a.Identity.Token()}

	if err := a.Signal.Connect(ctx, creds); err != nil {
		log.Warnf("APP: signal connect: %v", err)
		a.Notices.Notify("signaling server unreachable, retrying", notify.KindWarning)
	}
	if err := a.Stream.Connect(ctx, creds); err != nil {
		log.Warnf("APP: relay connect: %v", err)
		a.Notices.Notify("relay server unreachable, retrying", notify.KindWarning)
	}

	// Log level changes take effect on config save without a restart.
	go func() {
		if err := config.Watch(ctx, a.Dir, func(next *config.Config) {
			if next.LogLevel != "" {
				config.ApplyLogLevel(next.LogLevel)
			}
		}); err != nil {
			log.Warnf("APP: config watch: %v", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- a.API.Serve() }()

	select {
	case <-ctx.Done():
		a.Close()
		return nil
	case err := <-errCh:
		a.Close()
		return err
	}
}

// Close tears everything down in dependency order: calls first so hangups
// still reach the wire, then transports, then storage.
func (a *App) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.API.Shutdown(shutdownCtx)

	a.Calls.Close()
	a.Relay.Close()
	a.Signal.Disconnect()
	a.Stream.Disconnect()
	if err := a.DB.Close(); err != nil {
		log.Warnf("APP: close db: %v", err)
	}
	log.Infof("APP: shut down")
}
