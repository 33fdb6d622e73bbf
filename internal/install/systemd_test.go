package install

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/tunsv/internal/config"
)

type recorder struct {
	calls []string
	fail  string
}

func (r *recorder) run(_ context.Context, name string, args ...string) error {
	call := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, call)
	if r.fail != "" && strings.Contains(call, r.fail) {
		return errors.New("boom")
	}
	return nil
}

func newInstaller(t *testing.T) (*Installer, *recorder) {
	t.Helper()
	dir := t.TempDir()
	rec := &recorder{}
	i := New("/usr/local/bin/tunsvd", filepath.Join(dir, "etc", "tunsvd.yaml"), zerolog.Nop())
	i.UnitDir = filepath.Join(dir, "systemd")
	i.Run = rec.run
	return i, rec
}

func TestRender(t *testing.T) {
	i, _ := newInstaller(t)
	i.ConfigPath = "/etc/tunsvd/tunsvd.yaml"

	unit, err := i.Render()
	require.NoError(t, err)
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/tunsvd --config /etc/tunsvd/tunsvd.yaml\n")
	assert.Contains(t, unit, "KillMode=process\n")
	assert.Contains(t, unit, "WantedBy=multi-user.target\n")
	assert.True(t, strings.HasPrefix(unit, "[Unit]\n"))
}

func TestRenderQuotesPaths(t *testing.T) {
	i, _ := newInstaller(t)
	i.ConfigPath = "/etc/my conf/tunsvd.yaml"

	unit, err := i.Render()
	require.NoError(t, err)
	assert.Contains(t, unit, `--config "/etc/my conf/tunsvd.yaml"`)
}

func TestRenderEscapesSpecifiers(t *testing.T) {
	i, _ := newInstaller(t)
	i.DaemonPath = "/opt/100%/tunsvd"
	i.ConfigPath = "/etc/$HOME dir/tunsvd.yaml"

	unit, err := i.Render()
	require.NoError(t, err)
	assert.Contains(t, unit, "ExecStart=/opt/100%%/tunsvd --config \"/etc/$$HOME dir/tunsvd.yaml\"\n")
}

func TestQuoteArg(t *testing.T) {
	cases := map[string]string{
		"/usr/local/bin/tunsvd": "/usr/local/bin/tunsvd",
		"/a b":                  `"/a b"`,
		`/a"b`:                  `"/a\"b"`,
		`/a\b`:                  `"/a\\b"`,
		"/a%n":                  "/a%%n",
		"/a$b":                  "/a$$b",
		"/a b/${X}%i":           `"/a b/$${X}%%i"`,
	}
	for in, want := range cases {
		assert.Equal(t, want, quoteArg(in), in)
	}
}

func TestRenderRejectsRelativeDaemon(t *testing.T) {
	i, _ := newInstaller(t)
	i.DaemonPath = "tunsvd"
	_, err := i.Render()
	assert.Error(t, err)
}

func TestInstallEnable(t *testing.T) {
	i, rec := newInstaller(t)

	require.NoError(t, i.Install(context.Background(), true))

	data, err := os.ReadFile(i.UnitPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "ExecStart=/usr/local/bin/tunsvd")
	assert.Equal(t, []string{"systemctl daemon-reload", "systemctl enable --now tunsvd.service"}, rec.calls)

	cfg, err := config.Load(i.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o660), cfg.SocketMode)
	assert.Equal(t, 2*time.Second, cfg.Stop.Grace)
	assert.True(t, cfg.Stop.FallbackEnabled())
}

func TestInstallKeepsExistingConfig(t *testing.T) {
	i, rec := newInstaller(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(i.ConfigPath), 0o755))
	require.NoError(t, os.WriteFile(i.ConfigPath, []byte("log_level: debug\n"), 0o644))

	require.NoError(t, i.Install(context.Background(), false))

	data, err := os.ReadFile(i.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, "log_level: debug\n", string(data))
	assert.Equal(t, []string{"systemctl daemon-reload"}, rec.calls)
}

func TestInstallReportsSystemctlFailure(t *testing.T) {
	i, rec := newInstaller(t)
	rec.fail = "enable"

	err := i.Install(context.Background(), true)
	assert.ErrorContains(t, err, "enabling tunsvd")
}
