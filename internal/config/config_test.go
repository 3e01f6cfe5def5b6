package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultsInFreshDir(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default().Signal.URL, cfg.Signal.URL)

	// The file must now exist so the user has something to edit.
	_, err = os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Signal.URL = "wss://signal.example.org/socket"
	cfg.Call.RingTimeoutSec = 20
	require.NoError(t, Save(dir, cfg))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "wss://signal.example.org/socket", got.Signal.URL)
	assert.Equal(t, 20*time.Second, got.RingTimeout())
}

func TestLoadRejectsBrokenJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{nope"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		errLike string
	}{
		{"defaults pass", func(c *Config) {}, ""},
		{"missing signal url", func(c *Config) { c.Signal.URL = "" }, "signal.url"},
		{"http signal url", func(c *Config) { c.Signal.URL = "http://x" }, "ws://"},
		{"missing relay addr", func(c *Config) { c.Relay.Addr = "" }, "relay.addr"},
		{"zero backoff", func(c *Config) { c.Backoff.BaseMillis = 0 }, "base_millis"},
		{"zero attempts", func(c *Config) { c.Backoff.MaxAttempts = 0 }, "max_attempts"},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }, "ring_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.errLike == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errLike)
		})
	}
}

func TestBackoffBase(t *testing.T) {
	cfg := Default()
	cfg.Backoff.BaseMillis = 250
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffBase())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, dir, func(next *Config) {
			select {
			case reloaded <- next:
			default:
			}
		})
	}()

	// Give the watcher time to attach before writing.
	time.Sleep(100 * time.Millisecond)
	cfg.LogLevel = "debug"
	require.NoError(t, Save(dir, cfg))

	select {
	case next := <-reloaded:
		assert.Equal(t, "debug", next.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("config change never observed")
	}

	cancel()
	<-done
}
