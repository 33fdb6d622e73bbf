package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kolkov/tunsv/internal/api"
	"github.com/kolkov/tunsv/internal/config"
	"github.com/kolkov/tunsv/internal/install"
	"github.com/kolkov/tunsv/internal/logging"
	"github.com/kolkov/tunsv/internal/supervisor"
	"github.com/kolkov/tunsv/internal/tui"
)

const (
	EnvEngine     = "TUNSV_ENGINE"
	DefaultEngine = "/usr/local/bin/sing-box"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

func defaultEngine() string {
	if v := os.Getenv(EnvEngine); v != "" {
		return v
	}
	return DefaultEngine
}

// printResult writes the reply line and turns a non-zero code into the exit code.
func printResult(w io.Writer, res supervisor.Result) error {
	code := fmt.Sprintf("code=%d", res.Code)
	if res.OK() {
		code = green(code)
	} else {
		code = red(code)
	}
	fmt.Fprintf(w, "%s %s\n", code, res.Message)
	if !res.OK() {
		return &exitError{code: exitFailure}
	}
	return nil
}

func absPath(p string) string {
	if p == "" {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func newInstallCmd() *cobra.Command {
	var (
		daemonPath string
		cfgPath    string
		unitDir    string
		noEnable   bool
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install tunsvd as a systemd service",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.ConfigureRuntime()
			if daemonPath == "" {
				self, err := os.Executable()
				if err != nil {
					return fmt.Errorf("locate tunsvd: %w", err)
				}
				daemonPath = filepath.Join(filepath.Dir(self), "tunsvd")
			}
			inst := install.New(absPath(daemonPath), absPath(cfgPath), logging.Component("install"))
			inst.UnitDir = unitDir
			if err := inst.Install(cmd.Context(), !noEnable); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s\n", inst.UnitPath())
			return nil
		},
	}
	cmd.Flags().StringVar(&daemonPath, "daemon", "", "Path to the tunsvd binary (default: next to tunsvctl)")
	cmd.Flags().StringVar(&cfgPath, "config", config.DefaultPath, "Daemon configuration path")
	cmd.Flags().StringVar(&unitDir, "unit-dir", install.DefaultUnitDir, "systemd unit directory")
	cmd.Flags().BoolVar(&noEnable, "no-enable", false, "Write the unit without enabling or starting it")
	return cmd
}

func newStartCmd(g *globals) *cobra.Command {
	var (
		engine string
		extra  string
	)
	cmd := &cobra.Command{
		Use:   "start <config>",
		Short: "Start the engine with the given engine config",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Start(cmd.Context(), api.StartRequest{
				ExecutablePath: absPath(engine),
				ConfigPath:     absPath(args[0]),
				ExtraArgsJSON:  extra,
			})
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&engine, "engine", defaultEngine(), "Engine executable (env "+EnvEngine+")")
	cmd.Flags().StringVar(&extra, "args", "", `Extra engine arguments as a JSON array, e.g. '["-D","/var/lib/sing-box"]'`)
	return cmd
}

func newStopCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the engine",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Stop(cmd.Context())
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the engine is running",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			running := fmt.Sprintf("running=%t", st.Running)
			if st.Running {
				running = green(running)
			} else {
				running = yellow(running)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s pid=%d\n", running, st.Pid)
			return nil
		},
	}
}

func newLogsCmd(g *globals) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the most recent engine output",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			text, err := c.TailLogs(cmd.Context(), lines)
			if err != nil {
				return err
			}
			if text != "" {
				fmt.Fprintln(cmd.OutOrStdout(), text)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 200, "Number of lines")
	return cmd
}

func newPingCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			id, err := c.Ping(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cyan(id))
			return nil
		},
	}
}

func newWatchCmd(g *globals) *cobra.Command {
	var (
		interval time.Duration
		lines    int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of engine status and output",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.dial()
			if err != nil {
				return err
			}
			defer c.Close()

			return tui.Run(cmd.Context(), c, tui.Options{
				Interval: interval,
				LogLines: lines,
				Socket:   g.socket,
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Refresh interval")
	cmd.Flags().IntVarP(&lines, "lines", "n", 200, "Log lines to show")
	return cmd
}
