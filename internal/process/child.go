package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/kolkov/tunsv/internal/logbuf"
)

// DefaultPath is the only PATH a spawned engine sees. A daemon started by the
// init system has no login environment to inherit from.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// drainGrace bounds how long an exited child's pipes are read before they are
// closed. Grandchildren holding the write ends would otherwise keep them open.
const drainGrace = 500 * time.Millisecond

type Spec struct {
	Path string
	Args []string
	Dir  string
	// Env entries are added on top of PATH.
	Env map[string]string
}

// Environ returns the explicit environment for the child, sorted for stable
// output.
func (s Spec) Environ() []string {
	env := []string{"PATH=" + DefaultPath}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		if k == "PATH" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, s.Env[k]))
	}
	if p, ok := s.Env["PATH"]; ok {
		env[0] = "PATH=" + p
	}
	return env
}

// Child is a running engine process. Its output streams are attached to an
// aggregator and Done is closed once it has exited and been waited on.
type Child struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	done    chan struct{}
	mu      sync.Mutex
	exitErr error
}

// Spawn starts the process described by spec in its own process group and
// attaches its stdout and stderr to agg.
func Spawn(spec Spec, agg *logbuf.Aggregator) (*Child, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Environ()
	configureSysProcAttr(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, err
	}
	// The child holds its own copies now.
	closeAll(outW, errW)

	c := &Child{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	outDone := agg.Attach(logbuf.TagOut, outR)
	errDone := agg.Attach(logbuf.TagErr, errR)

	go func() {
		err := cmd.Wait()

		drained := time.After(drainGrace)
		for _, ch := range []<-chan struct{}{outDone, errDone} {
			select {
			case <-ch:
			case <-drained:
			}
		}
		// Detach the readers.
		closeAll(outR, errR)

		c.mu.Lock()
		c.exitErr = err
		c.mu.Unlock()
		close(c.done)
	}()

	return c, nil
}

func (c *Child) Pid() int {
	return c.pid
}

func (c *Child) StartedAt() time.Time {
	return c.startedAt
}

// Done is closed after the process exited and its output was drained.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

func (c *Child) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Child) Signal(sig os.Signal) error {
	return c.cmd.Process.Signal(sig)
}

// ExitErr is the error returned by Wait; nil while running or after a clean exit.
func (c *Child) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// ExitReason describes how the process ended, e.g. "exit status 1" or
// "signal: killed".
func (c *Child) ExitReason() string {
	if c.Alive() {
		return "running"
	}
	err := c.ExitErr()
	if err == nil {
		return "exit status 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ProcessState.String()
	}
	return err.Error()
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
