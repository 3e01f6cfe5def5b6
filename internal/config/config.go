// Package config loads and watches the per-client JSON configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/parley-chat/parley/internal/util"
)

// FileName is the config file name inside a client directory.
const FileName = "config.json"

type Config struct {
	Profile  Profile  `json:"profile"`
	Signal   Signal   `json:"signal"`
	Relay    Relay    `json:"relay"`
	Backoff  Backoff  `json:"backoff"`
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
	History  History  `json:"history"`
	API      API      `json:"api"`
	LogLevel string   `json:"log_level"`
}

type Profile struct {
	// Identity file, relative to the client directory.
	IdentityFile string `json:"identity_file"`
}

// Signal configures the websocket call-signaling connection.
type Signal struct {
	// URL of the signaling server, e.g. wss://signal.example.org/socket.
	URL string `json:"url"`
}

// Relay configures the message/presence stream connection.
type Relay struct {
	// Addr is a host:port TCP address of the relay server.
	Addr string `json:"addr"`

	// How long presence entries stay reachable without a refresh.
	PresenceTTLSec int `json:"presence_ttl_seconds"`

	// Interval between presence refreshes.
	HeartbeatSec int `json:"heartbeat_seconds"`
}

// Backoff governs automatic reconnection for both connections.
type Backoff struct {
	// BaseMillis is the first retry delay; attempt n waits base * 2^(n-1).
	BaseMillis int `json:"base_millis"`

	// MaxAttempts caps consecutive retries before reconnection gives up.
	MaxAttempts int `json:"max_attempts"`
}

type Call struct {
	// RingTimeoutSec bounds how long an outgoing call may ring unanswered.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// ICEServers are STUN/TURN URLs handed to the peer connection.
	ICEServers []string `json:"ice_servers"`
}

type Media struct {
	PreferredCam  string `json:"preferred_cam"`
	PreferredMic  string `json:"preferred_mic"`
	VideoDisabled bool   `json:"video_disabled"` // disable video calls entirely
}

// History configures the REST call-history service.
type History struct {
	BaseURL string `json:"base_url"`
}

// API configures the localhost control surface.
type API struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

// Default returns a config with workable defaults for a local setup.
func Default() *Config {
	return &Config{
		Profile: Profile{IdentityFile: "profile.json"},
		Signal:  Signal{URL: "ws://127.0.0.1:8970/socket"},
		Relay: Relay{
			Addr:           "127.0.0.1:8971",
			PresenceTTLSec: 30,
			HeartbeatSec:   10,
		},
		Backoff: Backoff{BaseMillis: 500, MaxAttempts: 8},
		Call: Call{
			RingTimeoutSec: 45,
			ICEServers:     []string{"stun:stun.l.google.com:19302"},
		},
		History:  History{BaseURL: "http://127.0.0.1:8972"},
		API:      API{HTTPAddr: "127.0.0.1:8969"},
		LogLevel: "info",
	}
}

// Load reads the config file from dir. If the file does not exist it is
// created with defaults first, so a fresh client directory works out of the
// box.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	cfg := Default()

	if err := util.ReadJSONFile(path, cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Save(dir, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to dir/config.json.
func Save(dir string, cfg *Config) error {
	path := filepath.Join(dir, FileName)
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Validate checks the fields that would otherwise fail deep inside a
// component with an unhelpful error.
func (c *Config) Validate() error {
	if c.Signal.URL == "" {
		return errors.New("signal.url is required")
	}
	u, err := url.Parse(c.Signal.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("signal.url must be a ws:// or wss:// URL, got %q", c.Signal.URL)
	}
	if c.Relay.Addr == "" {
		return errors.New("relay.addr is required")
	}
	if c.Backoff.BaseMillis <= 0 {
		return fmt.Errorf("backoff.base_millis must be positive, got %d", c.Backoff.BaseMillis)
	}
	if c.Backoff.MaxAttempts <= 0 {
		return fmt.Errorf("backoff.max_attempts must be positive, got %d", c.Backoff.MaxAttempts)
	}
	if c.Call.RingTimeoutSec <= 0 {
		return fmt.Errorf("call.ring_timeout_seconds must be positive, got %d", c.Call.RingTimeoutSec)
	}
	return nil
}

// BackoffBase returns the base reconnect delay as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Backoff.BaseMillis) * time.Millisecond
}

// RingTimeout returns the outgoing-call ring timeout as a duration.
func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.Call.RingTimeoutSec) * time.Second
}

// PresenceTTL returns how long a presence entry is considered fresh.
func (c *Config) PresenceTTL() time.Duration {
	return time.Duration(c.Relay.PresenceTTLSec) * time.Second
}
