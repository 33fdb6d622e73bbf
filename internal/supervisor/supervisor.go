package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kolkov/tunsv/internal/logbuf"
	"github.com/kolkov/tunsv/internal/marker"
	"github.com/kolkov/tunsv/internal/process"
	"github.com/kolkov/tunsv/internal/terminate"
)

// FailureTailLines is how many buffered log lines a failed start carries.
const FailureTailLines = 120

type Options struct {
	Marker      *marker.Store
	LogCapacity int
	// EngineName is the executable base name used when no engine was started
	// by this instance yet.
	EngineName   string
	Env          map[string]string
	Policy       terminate.Policy
	NameFallback bool
	Logger       zerolog.Logger
}

// Result is the reply to start and stop.
type Result struct {
	Code    int
	Message string
	// Err is the underlying failure; it does not travel over the wire.
	Err error
}

func (r Result) OK() bool {
	return r.Code == 0
}

type Status struct {
	Running bool
	Pid     int
}

// Supervisor owns the single engine process. Start, Stop, Status and TailLogs
// are serialized on one mutex; log appends take the ring's own lock.
type Supervisor struct {
	mu    sync.Mutex
	child *process.Child
	// lastExe is the executable of the most recent successful start.
	lastExe string

	engineName   string
	env          map[string]string
	cascade      *terminate.Cascade
	nameFallback bool

	agg    *logbuf.Aggregator
	marker *marker.Store
	log    zerolog.Logger

	forHandle func(*process.Child) terminate.Target
	forPid    func(pid int, name string, interval time.Duration) terminate.Target
}

func New(opts Options) *Supervisor {
	if opts.EngineName == "" {
		opts.EngineName = "sing-box"
	}
	if opts.Policy == (terminate.Policy{}) {
		opts.Policy = terminate.DefaultPolicy()
	}
	return &Supervisor{
		engineName:   opts.EngineName,
		env:          opts.Env,
		cascade:      terminate.New(opts.Policy, opts.Logger),
		nameFallback: opts.NameFallback,
		agg:          logbuf.NewAggregator(logbuf.NewRing(opts.LogCapacity)),
		marker:       opts.Marker,
		log:          opts.Logger,
		forHandle:    func(c *process.Child) terminate.Target { return terminate.ForHandle(c) },
		forPid:       terminate.ForPid,
	}
}

// Start launches the engine as `<executablePath> run -c <configPath> <extra...>`.
// It is a no-op while a started engine is still running.
func (s *Supervisor) Start(executablePath, configPath, extraArgsJSON string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.child != nil && s.child.Alive() {
		return Result{Message: fmt.Sprintf("already running (pid=%d)", s.child.Pid())}
	}

	pid, err := s.start(executablePath, configPath, extraArgsJSON)
	if err != nil {
		s.log.Error().Err(err).Str("executable", executablePath).Msg("engine start failed")
		s.agg.Logf(logbuf.TagProc, "start failed: %v", err)
		return Result{Code: 1, Message: s.withTail(err.Error()), Err: err}
	}
	return Result{Message: fmt.Sprintf("started pid=%d", pid)}
}

func (s *Supervisor) start(executablePath, configPath, extraArgsJSON string) (int, error) {
	if err := validateExecutable(executablePath); err != nil {
		return 0, err
	}
	if err := validateConfig(configPath); err != nil {
		return 0, err
	}

	s.replaceOrphan(filepath.Base(executablePath))

	spec := process.Spec{
		Path: executablePath,
		Args: BuildArgs(configPath, ParseExtraArgs(extraArgsJSON)),
		Env:  s.env,
	}
	s.agg.Logf(logbuf.TagProc, "starting %s %s", spec.Path, strings.Join(spec.Args, " "))

	child, err := process.Spawn(spec, s.agg)
	if err != nil {
		return 0, &OpError{Op: "start", Path: executablePath, Err: fmt.Errorf("%w: %w", ErrLaunch, err)}
	}

	s.child = child
	s.lastExe = executablePath
	s.agg.Logf(logbuf.TagProc, "started pid=%d", child.Pid())
	s.log.Info().Int("pid", child.Pid()).Str("executable", executablePath).Str("config", configPath).Msg("engine started")

	if err := s.marker.Write(child.Pid()); err != nil {
		s.log.Warn().Err(err).Msg("could not record engine pid")
	}

	go s.watch(child)
	return child.Pid(), nil
}

// replaceOrphan stops an engine left behind by a previous daemon instance
// before a new one is spawned.
func (s *Supervisor) replaceOrphan(name string) {
	pid, ok := s.marker.Read()
	if !ok || !terminate.PidExists(pid, name) {
		return
	}
	s.log.Warn().Int("pid", pid).Msg("replacing orphaned engine")
	s.agg.Logf(logbuf.TagProc, "replacing orphaned engine pid=%d", pid)
	s.runCascade(s.forPid(pid, name, s.cascade.Policy.Interval))
	if _, err := s.marker.RemoveIf(pid); err != nil {
		s.log.Warn().Err(err).Msg("could not remove engine marker")
	}
}

// watch runs once per child and clears the handle when it exits on its own.
func (s *Supervisor) watch(child *process.Child) {
	<-child.Done()
	s.agg.Logf(logbuf.TagProc, "process pid=%d exited: %s", child.Pid(), child.ExitReason())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child != child {
		return
	}
	s.child = nil
	s.log.Info().Int("pid", child.Pid()).Str("reason", child.ExitReason()).Msg("engine exited")
	if _, err := s.marker.RemoveIf(child.Pid()); err != nil {
		s.log.Warn().Err(err).Msg("could not remove engine marker")
	}
}

// Stop terminates the engine found through, in order: the tracked child, the
// marker pid, or a name match. Finding nothing is not an error. When the engine
// cannot be confirmed gone the handle and marker are kept so a later Stop can
// retry.
func (s *Supervisor) Stop() Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if child := s.child; child != nil {
		pid := child.Pid()
		res := s.runCascade(s.forHandle(child))
		if res.ReapErr != nil {
			return s.unconfirmed(fmt.Sprintf("pid=%d", pid), res)
		}
		s.child = nil
		if _, err := s.marker.RemoveIf(pid); err != nil {
			s.log.Warn().Err(err).Msg("could not remove engine marker")
		}
		s.log.Info().Int("pid", pid).Stringer("cascade", res).Msg("engine stopped")
		return Result{Message: fmt.Sprintf("stopped pid=%d", pid)}
	}

	name := s.knownName()

	if pid, ok := s.marker.Read(); ok {
		target := s.forPid(pid, name, s.cascade.Policy.Interval)
		if target.Alive() {
			res := s.runCascade(target)
			if res.ReapErr != nil {
				return s.unconfirmed(fmt.Sprintf("pid=%d", pid), res)
			}
			if err := s.marker.Remove(); err != nil {
				s.log.Warn().Err(err).Msg("could not remove engine marker")
			}
			s.log.Info().Int("pid", pid).Stringer("cascade", res).Msg("engine stopped via marker")
			return Result{Message: fmt.Sprintf("stopped pid=%d", pid)}
		}
		s.log.Info().Int("pid", pid).Msg("marker names a process that is gone, discarding")
		if err := s.marker.Remove(); err != nil {
			s.log.Warn().Err(err).Msg("could not remove engine marker")
		}
	}

	if !s.nameFallback {
		return Result{Message: "not running"}
	}
	matches := terminate.FindByName(name)
	if len(matches) == 0 {
		return Result{Message: "not running"}
	}
	// The match is by name only and may hit an engine this daemon never started.
	s.log.Warn().Str("name", name).Ints("pids", matches).Msg("stopping engine by name")
	res := s.runCascade(terminate.ForName(name, s.cascade.Policy.Interval))
	if res.ReapErr != nil {
		return s.unconfirmed("(fallback)", res)
	}
	s.log.Info().Stringer("cascade", res).Msg("engine stopped by name")
	return Result{Message: "stopped (fallback)"}
}

func (s *Supervisor) unconfirmed(what string, res terminate.Result) Result {
	s.log.Error().Err(res.ReapErr).Stringer("cascade", res).Msg("engine not confirmed stopped")
	s.agg.Logf(logbuf.TagProc, "stop %s not confirmed: %v", what, res.ReapErr)
	return Result{
		Code:    1,
		Message: fmt.Sprintf("stop %s not confirmed: %v", what, res.ReapErr),
		Err:     res.ReapErr,
	}
}

func (s *Supervisor) runCascade(t terminate.Target) terminate.Result {
	res := s.cascade.Run(context.Background(), t)
	switch {
	case res.Forced:
		s.agg.Logf(logbuf.TagProc, "%s killed after %s grace", t, s.cascade.Policy.Grace)
	case res.Signalled:
		s.agg.Logf(logbuf.TagProc, "%s terminated", t)
	}
	return res
}

func (s *Supervisor) knownName() string {
	if s.lastExe != "" {
		return filepath.Base(s.lastExe)
	}
	return s.engineName
}

// Status reflects only the child tracked by this instance.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.child == nil || !s.child.Alive() {
		return Status{}
	}
	return Status{Running: true, Pid: s.child.Pid()}
}

// TailLogs returns up to maxLines of the most recent output, oldest first.
func (s *Supervisor) TailLogs(maxLines int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg.Ring().TailText(maxLines)
}

// SetStopPolicy swaps the escalation timing and the name fallback switch.
func (s *Supervisor) SetStopPolicy(p terminate.Policy, nameFallback bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cascade.Policy = p
	s.nameFallback = nameFallback
}

// StopPolicy returns the escalation timing and name fallback switch in effect.
func (s *Supervisor) StopPolicy() (terminate.Policy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cascade.Policy, s.nameFallback
}

// Close releases the log pipeline. With stopEngine set the engine is stopped
// first; otherwise it keeps running and the marker lets the next instance find
// it.
func (s *Supervisor) Close(stopEngine bool) {
	if stopEngine {
		res := s.Stop()
		s.log.Info().Str("result", res.Message).Msg("engine stopped on shutdown")
	}
	s.agg.Close()
}

func (s *Supervisor) withTail(msg string) string {
	s.agg.Sync()
	tail := s.agg.Ring().TailText(FailureTailLines)
	if tail == "" {
		return msg
	}
	return msg + "\n--- recent log ---\n" + tail
}

// IsValidation reports whether err came from start request validation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
