package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/tunsv/internal/config"
	"github.com/kolkov/tunsv/internal/logging"
	"github.com/kolkov/tunsv/internal/marker"
	"github.com/kolkov/tunsv/internal/supervisor"
	"github.com/kolkov/tunsv/internal/terminate"
)

func TestLoadConfigMissingFileFallsBack(t *testing.T) {
	var buf bytes.Buffer
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), zerolog.New(&buf))

	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	assert.Contains(t, buf.String(), "config not found, using defaults")
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunsvd.yaml")
	require.NoError(t, renameio.WriteFile(path, []byte("stop:\n  grace: 10ms\n  interval: 1s\n"), 0o644))

	_, err := loadConfig(path, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunsvd.yaml")
	require.NoError(t, renameio.WriteFile(path, []byte("engine:\n  name: xray\nstop:\n  grace: 3s\n"), 0o644))

	cfg, err := loadConfig(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "xray", cfg.Engine.Name)
	assert.Equal(t, terminate.Policy{Grace: 3 * time.Second, Interval: 50 * time.Millisecond, ReapTimeout: 5 * time.Second}, stopPolicy(cfg))
}

func newTestSupervisor(t *testing.T, cfg *config.Config) *supervisor.Supervisor {
	t.Helper()
	t.Setenv(logging.EnvLogLevel, "")
	sv := supervisor.New(supervisor.Options{
		Marker:       marker.New(filepath.Join(t.TempDir(), "engine.pid")),
		Policy:       stopPolicy(cfg),
		NameFallback: cfg.Stop.FallbackEnabled(),
		Logger:       zerolog.Nop(),
	})
	t.Cleanup(func() { sv.Close(false) })
	return sv
}

func TestReloadAppliesStopPolicy(t *testing.T) {
	cfg := config.Default()
	sv := newTestSupervisor(t, cfg)
	var buf bytes.Buffer

	next := config.Default()
	next.Stop.Grace = 7 * time.Second
	next.Stop.Interval = 20 * time.Millisecond
	off := false
	next.Stop.NameFallback = &off

	newReloader(cfg, "", sv, zerolog.New(&buf))(next)

	policy, fallback := sv.StopPolicy()
	assert.Equal(t, terminate.Policy{Grace: 7 * time.Second, Interval: 20 * time.Millisecond, ReapTimeout: 5 * time.Second}, policy)
	assert.False(t, fallback)
	assert.Contains(t, buf.String(), "config applied")
	assert.NotContains(t, buf.String(), "needs a restart")
}

func TestReloadWarnsOnFixedPaths(t *testing.T) {
	cfg := config.Default()
	sv := newTestSupervisor(t, cfg)

	next := config.Default()
	next.Socket = "/run/other.sock"
	next.MarkerPath = "/run/other.pid"

	var buf bytes.Buffer
	newReloader(cfg, "", sv, zerolog.New(&buf))(next)
	assert.Contains(t, buf.String(), "socket change needs a restart")
	assert.Contains(t, buf.String(), "marker path change needs a restart")

	// A socket given on the command line is never taken from the file.
	buf.Reset()
	newReloader(cfg, "/tmp/override.sock", sv, zerolog.New(&buf))(next)
	assert.NotContains(t, buf.String(), "socket change needs a restart")
	assert.Contains(t, buf.String(), "marker path change needs a restart")
}
