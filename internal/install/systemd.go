// Package install registers tunsvd as a systemd service.
package install

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

const (
	DefaultUnitDir = "/etc/systemd/system"
	DefaultName    = "tunsvd"
)

// defaultConfig is written when the daemon config does not exist yet.
const defaultConfig = `# tunsvd daemon configuration
socket: /var/run/tunsvd/tunsvd.sock
socket_mode: 0660
# socket_group: tunsv
# allowed_uids: [1000]
marker_path: /var/run/tunsvd/engine.pid
log_level: info
log_capacity: 2000
engine:
  name: sing-box
  stop_on_exit: false
stop:
  grace: 2s
  interval: 50ms
  reap_timeout: 5s
  name_fallback: true
`

// Runner executes an external command; tests replace it.
type Runner func(ctx context.Context, name string, args ...string) error

type Installer struct {
	Name       string
	DaemonPath string
	ConfigPath string
	UnitDir    string
	Systemctl  string
	Run        Runner
	Log        zerolog.Logger
}

func New(daemonPath, configPath string, log zerolog.Logger) *Installer {
	return &Installer{
		Name:       DefaultName,
		DaemonPath: daemonPath,
		ConfigPath: configPath,
		UnitDir:    DefaultUnitDir,
		Systemctl:  "systemctl",
		Run:        runCommand,
		Log:        log,
	}
}

func (i *Installer) UnitPath() string {
	return filepath.Join(i.UnitDir, i.Name+".service")
}

// Render returns the unit file. KillMode=process keeps the engine alive across
// daemon restarts; the marker lets the next daemon pick it up.
func (i *Installer) Render() (string, error) {
	if !filepath.IsAbs(i.DaemonPath) {
		return "", fmt.Errorf("daemon path must be absolute, got %q", i.DaemonPath)
	}

	var unit strings.Builder
	unit.WriteString("[Unit]\n")
	unit.WriteString("Description=tunsv privileged proxy engine supervisor\n")
	unit.WriteString("After=network-online.target\n")
	unit.WriteString("Wants=network-online.target\n")
	unit.WriteString("\n")

	unit.WriteString("[Service]\n")
	unit.WriteString("Type=simple\n")
	unit.WriteString(fmt.Sprintf("ExecStart=%s --config %s\n", quoteArg(i.DaemonPath), quoteArg(i.ConfigPath)))
	unit.WriteString("ExecReload=/bin/kill -HUP $MAINPID\n")
	unit.WriteString("Restart=on-failure\n")
	unit.WriteString("RestartSec=1\n")
	unit.WriteString("KillMode=process\n")
	unit.WriteString("KillSignal=SIGTERM\n")
	unit.WriteString("TimeoutStopSec=15\n")
	unit.WriteString("RuntimeDirectory=tunsvd\n")
	unit.WriteString("RuntimeDirectoryPreserve=yes\n")
	unit.WriteString("StandardOutput=journal\n")
	unit.WriteString("StandardError=journal\n")
	unit.WriteString("\n")

	unit.WriteString("[Install]\n")
	unit.WriteString("WantedBy=multi-user.target\n")
	return unit.String(), nil
}

var (
	// systemd expands %-specifiers and $VARIABLES inside ExecStart= even
	// within quotes.
	specifierEscaper = strings.NewReplacer("%", "%%", "$", "$$")
	quoteEscaper     = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
)

func quoteArg(arg string) string {
	arg = specifierEscaper.Replace(arg)
	if strings.ContainsAny(arg, " \t\n\"'\\") {
		return `"` + quoteEscaper.Replace(arg) + `"`
	}
	return arg
}

// Install writes the unit (and a default config if none exists) and reloads
// systemd. With enable set the service is also enabled and started.
func (i *Installer) Install(ctx context.Context, enable bool) error {
	unit, err := i.Render()
	if err != nil {
		return fmt.Errorf("generating unit file: %w", err)
	}

	if err := i.ensureConfig(); err != nil {
		return err
	}

	if err := os.MkdirAll(i.UnitDir, 0o755); err != nil {
		return fmt.Errorf("creating unit dir: %w", err)
	}
	if err := renameio.WriteFile(i.UnitPath(), []byte(unit), 0o644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}
	i.Log.Info().Str("path", i.UnitPath()).Msg("unit file written")

	if err := i.Run(ctx, i.Systemctl, "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	if !enable {
		return nil
	}
	if err := i.Run(ctx, i.Systemctl, "enable", "--now", i.Name+".service"); err != nil {
		return fmt.Errorf("enabling %s: %w", i.Name, err)
	}
	i.Log.Info().Str("service", i.Name).Msg("service enabled and started")
	return nil
}

func (i *Installer) ensureConfig() error {
	if _, err := os.Stat(i.ConfigPath); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(i.ConfigPath), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := renameio.WriteFile(i.ConfigPath, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	i.Log.Info().Str("path", i.ConfigPath).Msg("created default config")
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w (output: %s)", name, strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return nil
}
