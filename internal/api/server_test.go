package api

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kolkov/tunsv/internal/supervisor"
)

type fakeService struct {
	mu       sync.Mutex
	starts   []StartRequest
	stops    int
	tailArgs []int
	running  bool
}

func (f *fakeService) Ping() string { return "tunsvd test pid=1 uid=0" }

func (f *fakeService) Start(exe, cfg, args string) supervisor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, StartRequest{ExecutablePath: exe, ConfigPath: cfg, ExtraArgsJSON: args})
	if exe == "" {
		return supervisor.Result{Code: 1, Message: "executable path is empty"}
	}
	f.running = true
	return supervisor.Result{Message: "started pid=4242"}
}

func (f *fakeService) Stop() supervisor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if !f.running {
		return supervisor.Result{Message: "not running"}
	}
	f.running = false
	return supervisor.Result{Message: "stopped pid=4242"}
}

func (f *fakeService) Status() supervisor.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return supervisor.Status{}
	}
	return supervisor.Status{Running: true, Pid: 4242}
}

func (f *fakeService) TailLogs(n int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tailArgs = append(f.tailArgs, n)
	if n <= 0 {
		return ""
	}
	return "[OUT] hello\n[ERR] oops"
}

// socketPath stays short; t.TempDir paths can exceed the sun_path limit.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tunsv")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "ctl.sock")
}

func serve(t *testing.T, sv *fakeService, cfg ListenConfig) *Client {
	t.Helper()
	lis, err := Listen(cfg, zerolog.Nop())
	require.NoError(t, err)

	srv := NewServer(sv, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(lis) }()
	t.Cleanup(func() {
		srv.Stop()
		assert.NoError(t, <-done)
	})

	c, err := Dial(cfg.Path, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func selfConfig(t *testing.T) ListenConfig {
	return ListenConfig{Path: socketPath(t), Mode: 0o660, AllowedUIDs: []int{os.Geteuid()}}
}

func TestRoundTrip(t *testing.T) {
	sv := &fakeService{}
	c := serve(t, sv, selfConfig(t))
	ctx := context.Background()

	id, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tunsvd test pid=1 uid=0", id)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, supervisor.Status{}, st)

	res, err := c.Start(ctx, StartRequest{ExecutablePath: "/usr/bin/engine", ConfigPath: "/etc/engine.json", ExtraArgsJSON: `["-D","/tmp"]`})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
	assert.Equal(t, "started pid=4242", res.Message)

	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, supervisor.Status{Running: true, Pid: 4242}, st)

	logs, err := c.TailLogs(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, "[OUT] hello\n[ERR] oops", logs)

	logs, err = c.TailLogs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)

	res, err = c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped pid=4242", res.Message)

	res, err = c.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "not running", res.Message)

	sv.mu.Lock()
	defer sv.mu.Unlock()
	require.Len(t, sv.starts, 1)
	assert.Equal(t, StartRequest{ExecutablePath: "/usr/bin/engine", ConfigPath: "/etc/engine.json", ExtraArgsJSON: `["-D","/tmp"]`}, sv.starts[0])
	assert.Equal(t, []int{50, 0}, sv.tailArgs)
	assert.Equal(t, 2, sv.stops)
}

func TestStartFailureCarriesCode(t *testing.T) {
	c := serve(t, &fakeService{}, selfConfig(t))

	res, err := c.Start(context.Background(), StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Code)
	assert.False(t, res.OK())
	assert.Equal(t, "executable path is empty", res.Message)
}

func TestListenSocketMode(t *testing.T) {
	cfg := selfConfig(t)
	cfg.Mode = 0o600
	lis, err := Listen(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer lis.Close()

	fi, err := os.Stat(cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	assert.NotZero(t, fi.Mode()&os.ModeSocket)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	cfg := selfConfig(t)

	old, err := net.Listen("unix", cfg.Path)
	require.NoError(t, err)
	old.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, old.Close())
	_, err = os.Stat(cfg.Path)
	require.NoError(t, err, "stale socket file should remain")

	lis, err := Listen(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, lis.Close())
}

func TestListenRefusesLiveSocket(t *testing.T) {
	cfg := selfConfig(t)
	live, err := net.Listen("unix", cfg.Path)
	require.NoError(t, err)
	defer live.Close()

	_, err = Listen(cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "in use")
}

func TestListenRefusesNonSocket(t *testing.T) {
	cfg := selfConfig(t)
	require.NoError(t, os.WriteFile(cfg.Path, []byte("x"), 0o644))

	_, err := Listen(cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "not a socket")
}

func TestUnauthorizedPeerRejected(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root is always allowed")
	}
	cfg := ListenConfig{Path: socketPath(t), Mode: 0o666}
	lis, err := Listen(cfg, zerolog.Nop())
	require.NoError(t, err)
	srv := NewServer(&fakeService{}, zerolog.Nop())
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	c, err := Dial(cfg.Path, 500*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Ping(context.Background())
	if _, perr := peerUID(nil); errors.Is(perr, errors.ErrUnsupported) {
		assert.NoError(t, err)
		return
	}
	assert.Error(t, err)
}

func TestDecodeToleratesMissingFields(t *testing.T) {
	assert.Equal(t, StartRequest{}, decodeStartRequest(nil))
	assert.Equal(t, supervisor.Result{}, decodeResult(&structpb.Struct{}))
	assert.Equal(t, supervisor.Status{}, decodeStatus(nil))

	st := decodeStatus(encodeStatus(supervisor.Status{Running: true, Pid: 99}))
	assert.Equal(t, supervisor.Status{Running: true, Pid: 99}, st)
}

func TestTarget(t *testing.T) {
	assert.Equal(t, "unix:///run/tunsvd.sock", target("/run/tunsvd.sock"))
	assert.Equal(t, "unix:rel.sock", target("rel.sock"))
}
