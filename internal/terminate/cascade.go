// Package terminate implements the stop escalation shared by every way the
// supervisor can identify the engine: a live child handle, a pid read back from
// the marker file, or a match on the executable name.
//
// Every target goes through the same sequence:
//
//	Running -> SignalSent -> {Exited | TimedOut} -> ForceKilled -> Reaped
//
// SIGTERM is sent first, liveness is polled every Interval for up to Grace, and
// SIGKILL follows if the target is still around. A timeout is never an error; it
// only moves the cascade to the next step.
package terminate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ErrGone is returned by Target.Signal when there is no longer anything to
// signal.
var ErrGone = errors.New("terminate: target gone")

type State int

const (
	Running State = iota
	SignalSent
	Exited
	TimedOut
	ForceKilled
	Reaped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case SignalSent:
		return "signal-sent"
	case Exited:
		return "exited"
	case TimedOut:
		return "timed-out"
	case ForceKilled:
		return "force-killed"
	case Reaped:
		return "reaped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Target is something the cascade can signal and observe.
type Target interface {
	fmt.Stringer
	// Alive reports whether the target still exists.
	Alive() bool
	// Signal delivers sig, returning ErrGone if the target vanished.
	Signal(sig syscall.Signal) error
	// Reap blocks until the target is fully gone or ctx is done.
	Reap(ctx context.Context) error
}

type Policy struct {
	Grace       time.Duration
	Interval    time.Duration
	ReapTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Grace:       2 * time.Second,
		Interval:    50 * time.Millisecond,
		ReapTimeout: 5 * time.Second,
	}
}

// Result records the path a cascade took.
type Result struct {
	Target    string
	States    []State
	Signalled bool
	Forced    bool
	// ReapErr is set when the target could not be confirmed gone within
	// ReapTimeout. It is informational only.
	ReapErr error
}

// Final returns the last state reached.
func (r Result) Final() State {
	if len(r.States) == 0 {
		return Running
	}
	return r.States[len(r.States)-1]
}

func (r Result) String() string {
	names := make([]string, len(r.States))
	for i, s := range r.States {
		names[i] = s.String()
	}
	return r.Target + ": " + strings.Join(names, " -> ")
}

type Cascade struct {
	Policy Policy
	Log    zerolog.Logger
}

func New(policy Policy, log zerolog.Logger) *Cascade {
	return &Cascade{Policy: policy, Log: log}
}

// Run drives t to Reaped. It always runs to completion; ctx only bounds the
// final reap wait.
func (c *Cascade) Run(ctx context.Context, t Target) Result {
	res := Result{Target: t.String(), States: []State{Running}}
	log := c.Log.With().Str("target", res.Target).Logger()

	advance := func(s State) {
		res.States = append(res.States, s)
		log.Debug().Stringer("state", s).Msg("termination cascade")
	}

	if !t.Alive() {
		advance(Exited)
		c.reap(ctx, t, &res, advance)
		return res
	}

	if err := t.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, ErrGone) {
			advance(Exited)
			c.reap(ctx, t, &res, advance)
			return res
		}
		log.Warn().Err(err).Msg("graceful signal failed")
	} else {
		res.Signalled = true
	}
	advance(SignalSent)

	if c.waitGone(t) {
		advance(Exited)
	} else {
		advance(TimedOut)
		if err := t.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, ErrGone) {
			log.Warn().Err(err).Msg("kill signal failed")
		} else if err == nil {
			res.Forced = true
		}
		advance(ForceKilled)
	}

	c.reap(ctx, t, &res, advance)
	return res
}

func (c *Cascade) waitGone(t Target) bool {
	interval := c.Policy.Interval
	if interval <= 0 {
		interval = DefaultPolicy().Interval
	}
	deadline := time.Now().Add(c.Policy.Grace)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !t.Alive() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		<-ticker.C
	}
}

func (c *Cascade) reap(ctx context.Context, t Target, res *Result, advance func(State)) {
	timeout := c.Policy.ReapTimeout
	if timeout <= 0 {
		timeout = DefaultPolicy().ReapTimeout
	}
	reapCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := t.Reap(reapCtx); err != nil {
		res.ReapErr = err
		c.Log.Warn().Err(err).Str("target", res.Target).Msg("target not confirmed gone")
		return
	}
	advance(Reaped)
}

// pollGone waits for alive to report false, checking every interval.
func pollGone(ctx context.Context, interval time.Duration, alive func() bool) error {
	if interval <= 0 {
		interval = DefaultPolicy().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for alive() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
