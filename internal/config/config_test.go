package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, renameio.WriteFile(path, []byte(body), 0o644))
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunsvd.yaml")
	writeConfig(t, path, "log_level: debug\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultSocket, cfg.Socket)
	assert.Equal(t, DefaultMarkerPath, cfg.MarkerPath)
	assert.Equal(t, uint32(DefaultSocketMode), cfg.SocketMode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, DefaultLogCapacity, cfg.LogCapacity)
	assert.Equal(t, DefaultEngineName, cfg.Engine.Name)
	assert.Equal(t, 2*time.Second, cfg.Stop.Grace)
	assert.Equal(t, 50*time.Millisecond, cfg.Stop.Interval)
	assert.True(t, cfg.Stop.FallbackEnabled())
}

func TestLoadFullFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunsvd.yaml")
	writeConfig(t, path, `socket: /tmp/x.sock
socket_mode: 0600
allowed_uids: [501, 1000]
marker_path: /tmp/engine.pid
log_capacity: 10
engine:
  name: xray
  env:
    ENABLE_DEPRECATED: "true"
  stop_on_exit: true
stop:
  grace: 1s
  interval: 10ms
  reap_timeout: 3s
  name_fallback: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/x.sock", cfg.Socket)
	assert.Equal(t, uint32(0o600), cfg.SocketMode)
	assert.Equal(t, []int{501, 1000}, cfg.AllowedUIDs)
	assert.Equal(t, 10, cfg.LogCapacity)
	assert.Equal(t, "xray", cfg.Engine.Name)
	assert.Equal(t, "true", cfg.Engine.Env["ENABLE_DEPRECATED"])
	assert.True(t, cfg.Engine.StopOnExit)
	assert.Equal(t, time.Second, cfg.Stop.Grace)
	assert.Equal(t, 10*time.Millisecond, cfg.Stop.Interval)
	assert.False(t, cfg.Stop.FallbackEnabled())
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"interval":  "stop:\n  grace: 10ms\n  interval: 1s\n",
		"name":      "engine:\n  name: /usr/bin/sing-box\n",
		"uid":       "allowed_uids: [-1]\n",
		"malformed": "socket: [\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name+".yaml")
		writeConfig(t, path, body)
		_, err := Load(path)
		assert.Error(t, err, name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunsvd.yaml")
	writeConfig(t, path, "log_level: info\n")

	reloaded := make(chan *Config, 4)
	w := NewWatcher(path, zerolog.Nop(), func(cfg *Config) { reloaded <- cfg })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, "log_level: warn\n")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "warn", cfg.LogLevel)
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
}
