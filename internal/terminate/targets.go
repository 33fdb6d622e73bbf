package terminate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Handle is the view of a live child the cascade needs. The child is expected
// to lead its own process group.
type Handle interface {
	Pid() int
	Signal(sig os.Signal) error
	Done() <-chan struct{}
}

type handleTarget struct {
	h Handle
}

// ForHandle targets a child this process started and still waits on.
func ForHandle(h Handle) Target {
	return &handleTarget{h: h}
}

func (t *handleTarget) String() string {
	return fmt.Sprintf("handle pid=%d", t.h.Pid())
}

func (t *handleTarget) Alive() bool {
	select {
	case <-t.h.Done():
		return false
	default:
		return true
	}
}

func (t *handleTarget) Signal(sig syscall.Signal) error {
	if !t.Alive() {
		return ErrGone
	}
	// Signal the whole group first so helpers the engine forked go too.
	if err := unix.Kill(-t.h.Pid(), sig); err == nil {
		return nil
	}
	if err := t.h.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrGone
		}
		return err
	}
	return nil
}

func (t *handleTarget) Reap(ctx context.Context) error {
	select {
	case <-t.h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pidTarget struct {
	pid      int
	name     string
	interval time.Duration
}

// ForPid targets a raw pid that is not our child, typically one read back
// from the marker file. Existence is re-checked before every signal. When name
// is set and the OS exposes process names, a pid running a different program is
// treated as gone.
func ForPid(pid int, name string, interval time.Duration) Target {
	return &pidTarget{pid: pid, name: name, interval: interval}
}

func (t *pidTarget) String() string {
	return fmt.Sprintf("marker pid=%d", t.pid)
}

func (t *pidTarget) Alive() bool {
	return PidExists(t.pid, t.name)
}

func (t *pidTarget) Signal(sig syscall.Signal) error {
	if !t.Alive() {
		return ErrGone
	}
	// Engines are spawned as group leaders; take their helpers along.
	dst := t.pid
	if pgid, err := unix.Getpgid(t.pid); err == nil && pgid == t.pid {
		dst = -t.pid
	}
	if err := unix.Kill(dst, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrGone
		}
		return fmt.Errorf("signal pid %d: %w", t.pid, err)
	}
	return nil
}

func (t *pidTarget) Reap(ctx context.Context) error {
	return pollGone(ctx, t.interval, t.Alive)
}

type nameTarget struct {
	name     string
	interval time.Duration
}

// ForName targets every process whose executable name is name. Matches are
// re-scanned before each signal and are not checked any further, so an
// unrelated program with the same name is signalled too.
func ForName(name string, interval time.Duration) Target {
	return &nameTarget{name: name, interval: interval}
}

func (t *nameTarget) String() string {
	return "name=" + t.name
}

func (t *nameTarget) Alive() bool {
	return len(FindByName(t.name)) > 0
}

func (t *nameTarget) Signal(sig syscall.Signal) error {
	pids := FindByName(t.name)
	if len(pids) == 0 {
		return ErrGone
	}
	var errs []error
	for _, pid := range pids {
		if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("signal pid %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

func (t *nameTarget) Reap(ctx context.Context) error {
	return pollGone(ctx, t.interval, t.Alive)
}

// PidExists probes pid with signal 0. EPERM still means the process exists.
// Zombies count as gone, and when name is known a differently named process is
// treated as a reused pid.
func PidExists(pid int, name string) bool {
	if pid <= 1 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	if isZombie(pid) {
		return false
	}
	if name != "" {
		if names, ok := processNames(pid); ok && !nameMatches(names, name) {
			return false
		}
	}
	return true
}

// FindByName lists pids whose executable name is name, excluding this process.
func FindByName(name string) []int {
	if name == "" {
		return nil
	}
	self := os.Getpid()
	var out []int
	for _, pid := range listByName(name) {
		if pid != self && pid > 1 {
			out = append(out, pid)
		}
	}
	return out
}
