package service

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/kolkov/tunsv/internal/marker"
	"github.com/kolkov/tunsv/internal/supervisor"
)

func TestIdentity(t *testing.T) {
	want := fmt.Sprintf("tunsvd %s pid=%d uid=%d", Version, os.Getpid(), os.Geteuid())
	assert.Equal(t, want, Identity())
}

func TestAdapterDelegates(t *testing.T) {
	sv := supervisor.New(supervisor.Options{
		Marker: marker.New(filepath.Join(t.TempDir(), "engine.pid")),
		Logger: zerolog.Nop(),
	})
	t.Cleanup(func() { sv.Close(false) })

	svc := AsService(sv)
	assert.Equal(t, Identity(), svc.Ping())
	assert.Equal(t, supervisor.Status{}, svc.Status())
	assert.Empty(t, svc.TailLogs(10))

	res := svc.Start("", "", "")
	assert.Equal(t, 1, res.Code)
	assert.Contains(t, res.Message, "executable path is empty")
	assert.Contains(t, svc.TailLogs(10), "[PROC] start failed")
}
