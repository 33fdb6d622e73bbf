package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kolkov/tunsv/internal/api"
	"github.com/kolkov/tunsv/internal/config"
	"github.com/kolkov/tunsv/internal/service"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func usageError(err error) error {
	return &exitError{code: exitUsage, err: err}
}

// usageArgs marks argument validation failures as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

type globals struct {
	socket  string
	timeout time.Duration
}

func (g *globals) dial() (*api.Client, error) {
	return api.Dial(g.socket, g.timeout)
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:     "tunsvctl",
		Short:   "Control the tunsvd engine supervisor",
		Version: service.Version,
		Args:    usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Help()
			return usageError(errors.New("missing command"))
		},
	}
	root.PersistentFlags().StringVar(&g.socket, "socket", config.DefaultSocket, "Control socket of the daemon")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", api.DefaultTimeout, "Per-call timeout")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	root.AddCommand(newInstallCmd())
	root.AddCommand(newStartCmd(g))
	root.AddCommand(newStopCmd(g))
	root.AddCommand(newStatusCmd(g))
	root.AddCommand(newLogsCmd(g))
	root.AddCommand(newPingCmd(g))
	root.AddCommand(newWatchCmd(g))

	root.SilenceUsage = true
	root.SilenceErrors = true
	return root
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err != nil {
		var ee *exitError
		if !errors.As(err, &ee) || ee.err != nil {
			fmt.Fprintln(stderr, "tunsvctl:", err)
		}
	}
	return exitCode(err)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
