package process

import (
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/google/renameio/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/tunsv/internal/logbuf"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, renameio.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func waitDone(t *testing.T, c *Child) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
}

func TestEnvironIsMinimal(t *testing.T) {
	t.Setenv("TUNSV_SHOULD_NOT_LEAK", "1")

	env := Spec{Env: map[string]string{"B": "2", "A": "1"}}.Environ()
	assert.Equal(t, []string{"PATH=" + DefaultPath, "A=1", "B=2"}, env)

	env = Spec{Env: map[string]string{"PATH": "/opt/bin"}}.Environ()
	assert.Equal(t, []string{"PATH=/opt/bin"}, env)
}

func TestSpawnCapturesOutput(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	agg := logbuf.NewAggregator(logbuf.NewRing(100))
	t.Cleanup(agg.Close)

	script := writeScript(t, `echo "args: $*"
echo "path: $PATH"
echo "leak: ${TUNSV_SHOULD_NOT_LEAK:-none}"
echo oops >&2
exit 3
`)
	t.Setenv("TUNSV_SHOULD_NOT_LEAK", "1")

	c, err := Spawn(Spec{Path: script, Args: []string{"run", "-c", "/tmp/cfg.json"}}, agg)
	require.NoError(t, err)
	assert.Greater(t, c.Pid(), 1)

	waitDone(t, c)
	agg.Sync()

	text := agg.Ring().TailText(10)
	assert.Contains(t, text, "[OUT] args: run -c /tmp/cfg.json")
	assert.Contains(t, text, "[OUT] path: "+DefaultPath)
	assert.Contains(t, text, "[OUT] leak: none")
	assert.Contains(t, text, "[ERR] oops")
	assert.False(t, c.Alive())
	assert.Equal(t, "exit status 3", c.ExitReason())
}

func TestSpawnSignalledExit(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}
	agg := logbuf.NewAggregator(logbuf.NewRing(10))
	t.Cleanup(agg.Close)

	c, err := Spawn(Spec{Path: writeScript(t, "exec sleep 30\n")}, agg)
	require.NoError(t, err)
	assert.True(t, c.Alive())
	assert.Equal(t, "running", c.ExitReason())

	require.NoError(t, c.Signal(syscall.SIGKILL))
	waitDone(t, c)

	assert.Equal(t, "signal: killed", c.ExitReason())
	assert.Error(t, c.ExitErr())
}

func TestSpawnMissingExecutable(t *testing.T) {
	agg := logbuf.NewAggregator(logbuf.NewRing(10))
	t.Cleanup(agg.Close)

	_, err := Spawn(Spec{Path: filepath.Join(t.TempDir(), "absent")}, agg)
	assert.Error(t, err)
}
