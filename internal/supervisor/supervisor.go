// Package supervisor owns the lifecycle of the proxy kernel child process.
//
// State transitions:
//
//	stopped → starting → running → stopping → stopped
//	running → crashed (unexpected exit)
//	crashed → starting (explicit Start or Restart)
//
// At most one child exists at a time. Start, Stop and Restart are
// linearized by a transition lock; a call that finds the lock held fails
// fast with ErrTransitionInProgress instead of queueing. Status reads never
// take the lock.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xfeldman/sboxd/internal/kconfig"
)

var (
	ErrSpawnFailed          = errors.New("kernel spawn failed")
	ErrTerminationFailed    = errors.New("kernel did not exit")
	ErrTransitionInProgress = errors.New("another kernel transition is in progress")
	ErrAlreadyRunning       = errors.New("kernel is already running")
	ErrNotRunning           = errors.New("kernel is not running")
	ErrConfigMissing        = errors.New("kernel config missing or invalid")
)

// State is the supervised kernel state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// Status is an immutable snapshot of the supervisor.
type Status struct {
	State      State     `json:"state"`
	PID        int       `json:"pid,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Since      time.Time `json:"since"`
	CrashCount int       `json:"crash_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// Alive reports whether a child process exists in this state.
func (s Status) Alive() bool {
	return s.State == StateStarting || s.State == StateRunning || s.State == StateStopping
}

// Options configures a Supervisor.
type Options struct {
	Binary     string
	ConfigPath string
	WorkDir    string
	Env        []string

	Launcher Launcher

	// ReadyTimeout is how long a fresh child must survive (or the Probe take
	// to succeed) before it counts as running.
	ReadyTimeout time.Duration
	StopGrace    time.Duration
	KillTimeout  time.Duration
	// StableAfter resets the crash counter once a run outlives it.
	StableAfter time.Duration

	// Probe, when set, is polled during startup; the first nil return marks
	// the child running.
	Probe func(ctx context.Context) error

	Logger *zap.Logger
}

// child is one spawned kernel process and its exit record.
type child struct {
	proc    Process
	runID   string
	started time.Time

	done     chan struct{} // closed by the watcher after Wait returns
	exitCode int
	waitErr  error
}

// Supervisor manages a single kernel child process.
type Supervisor struct {
	opts Options
	log  *zap.Logger

	mu    sync.Mutex // transition lock
	child *child

	status atomic.Pointer[Status]

	hooksMu sync.RWMutex
	hooks   []func(Status)
}

// New creates a supervisor in the stopped state.
func New(opts Options) *Supervisor {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 3 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 3 * time.Second
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Supervisor{opts: opts, log: opts.Logger.Named("supervisor")}
	s.status.Store(&Status{State: StateStopped, Since: time.Now()})
	return s
}

// KernelArgs returns the kernel command line arguments.
func KernelArgs(configPath, workDir string) []string {
	return []string{"run", "-c", configPath, "-D", workDir}
}

// Status returns the current snapshot without blocking.
func (s *Supervisor) Status() Status {
	return *s.status.Load()
}

// OnStateChange registers fn to be called after every published transition.
// Hooks run on the transitioning goroutine with the transition lock held, so
// they must not block or call Start/Stop/Restart synchronously.
func (s *Supervisor) OnStateChange(fn func(Status)) {
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hooksMu.Unlock()
}

// setStatus stores st and, when notify is set, runs the hooks.
func (s *Supervisor) setStatus(st Status, notify bool) {
	st.Since = time.Now()
	s.status.Store(&st)
	observeTransition(st)
	if !notify {
		return
	}
	s.hooksMu.RLock()
	hooks := make([]func(Status), len(s.hooks))
	copy(hooks, s.hooks)
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		s.runHook(fn, st)
	}
}

func (s *Supervisor) runHook(fn func(Status), st Status) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("state hook panicked", zap.Any("panic", p))
		}
	}()
	fn(st)
}

// Start spawns the kernel and waits for it to become ready.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.mu.TryLock() {
		return ErrTransitionInProgress
	}
	defer s.mu.Unlock()
	return s.startLocked(ctx, false)
}

// Stop terminates the kernel gracefully, killing it after StopGrace.
// Stopping an already stopped or crashed kernel is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	if !s.mu.TryLock() {
		return ErrTransitionInProgress
	}
	defer s.mu.Unlock()
	if s.child == nil {
		return nil
	}
	return s.stopLocked(ctx, true)
}

// Restart stops a live kernel and starts a new one as a single transition.
// Only the final state (running, or stopped on failure) is published to
// hooks.
func (s *Supervisor) Restart(ctx context.Context) error {
	if !s.mu.TryLock() {
		return ErrTransitionInProgress
	}
	defer s.mu.Unlock()
	if s.child != nil {
		if err := s.stopLocked(ctx, false); err != nil {
			return err
		}
	}
	return s.startLocked(ctx, true)
}

// startLocked spawns a child. quiet suppresses the starting notification;
// the outcome is always published.
func (s *Supervisor) startLocked(ctx context.Context, quiet bool) error {
	prev := s.Status()
	if prev.State != StateStopped && prev.State != StateCrashed {
		return ErrAlreadyRunning
	}

	if _, err := kconfig.Load(s.opts.ConfigPath); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigMissing, err)
	}

	runID := uuid.NewString()
	log := s.log.With(zap.String("run", runID))
	s.setStatus(Status{State: StateStarting, RunID: runID, CrashCount: prev.CrashCount}, !quiet)

	spec := Spec{
		Binary: s.opts.Binary,
		Args:   KernelArgs(s.opts.ConfigPath, s.opts.WorkDir),
		Dir:    s.opts.WorkDir,
		Env:    s.opts.Env,
		RunID:  runID,
	}
	proc, err := s.opts.Launcher.Launch(ctx, spec)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSpawnFailed, err)
		s.setStatus(Status{State: StateStopped, CrashCount: prev.CrashCount, LastError: err.Error()}, true)
		log.Error("kernel spawn failed", zap.Error(err))
		return err
	}

	c := &child{proc: proc, runID: runID, started: time.Now(), done: make(chan struct{})}
	s.child = c
	go s.watch(c)
	log.Info("kernel spawned", zap.Int("pid", proc.PID()), zap.String("binary", spec.Binary))

	if err := s.awaitReady(ctx, c); err != nil {
		// The watcher sees it is no longer current and stays quiet.
		s.child = nil
		select {
		case <-c.done:
		default:
			proc.Kill()
			select {
			case <-c.done:
			case <-time.After(s.opts.KillTimeout):
			}
		}
		s.setStatus(Status{State: StateStopped, CrashCount: prev.CrashCount, LastError: err.Error()}, true)
		log.Error("kernel failed to start", zap.Error(err))
		return err
	}

	s.setStatus(Status{
		State:      StateRunning,
		PID:        proc.PID(),
		RunID:      runID,
		StartedAt:  c.started,
		CrashCount: prev.CrashCount,
	}, true)
	log.Info("kernel running", zap.Int("pid", proc.PID()))
	return nil
}

// awaitReady returns nil once the child is considered ready.
func (s *Supervisor) awaitReady(ctx context.Context, c *child) error {
	deadline := time.NewTimer(s.opts.ReadyTimeout)
	defer deadline.Stop()

	var tick <-chan time.Time
	if s.opts.Probe != nil {
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		tick = t.C
		if s.opts.Probe(ctx) == nil {
			return nil
		}
	}

	for {
		select {
		case <-c.done:
			if c.waitErr != nil {
				return fmt.Errorf("%w: kernel exited during startup: %w", ErrSpawnFailed, c.waitErr)
			}
			return fmt.Errorf("%w: kernel exited during startup with code %d", ErrSpawnFailed, c.exitCode)
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if s.opts.Probe != nil {
				s.log.Warn("readiness probe did not pass before timeout; assuming running")
			}
			return nil
		case <-tick:
			if s.opts.Probe(ctx) == nil {
				return nil
			}
		}
	}
}

func (s *Supervisor) stopLocked(ctx context.Context, notify bool) error {
	c := s.child
	prev := s.Status()
	log := s.log.With(zap.String("run", c.runID))
	s.setStatus(Status{
		State:      StateStopping,
		PID:        prev.PID,
		RunID:      prev.RunID,
		StartedAt:  prev.StartedAt,
		CrashCount: prev.CrashCount,
	}, notify)

	if err := c.proc.Terminate(); err != nil {
		log.Warn("terminate kernel", zap.Error(err))
	}

	select {
	case <-c.done:
	case <-time.After(s.opts.StopGrace):
		log.Warn("kernel ignored terminate, killing", zap.Duration("grace", s.opts.StopGrace))
		if err := c.proc.Kill(); err != nil {
			log.Warn("kill kernel", zap.Error(err))
		}
		select {
		case <-c.done:
		case <-time.After(s.opts.KillTimeout):
			err := fmt.Errorf("%w: pid %d still alive after kill", ErrTerminationFailed, c.proc.PID())
			prev.LastError = err.Error()
			s.setStatus(prev, notify)
			log.Error("kernel stop failed", zap.Error(err))
			return err
		}
	}

	s.child = nil
	crashes := prev.CrashCount
	if time.Since(c.started) > s.opts.StableAfter {
		crashes = 0
	}
	code := c.exitCode
	s.setStatus(Status{State: StateStopped, ExitCode: &code, CrashCount: crashes}, notify)
	log.Info("kernel stopped", zap.Int("exit_code", code))
	return nil
}

// watch waits for the child to exit and records an unexpected exit as a
// crash.
func (s *Supervisor) watch(c *child) {
	code, err := c.proc.Wait()
	c.exitCode, c.waitErr = code, err
	close(c.done)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child != c {
		return
	}
	s.child = nil

	prev := s.Status()
	crashes := prev.CrashCount
	if time.Since(c.started) > s.opts.StableAfter {
		crashes = 0
	}
	crashes++
	msg := fmt.Sprintf("kernel exited unexpectedly with code %d", code)
	if err != nil {
		msg += ": " + err.Error()
	}
	crashesTotal.Inc()
	s.setStatus(Status{
		State:      StateCrashed,
		RunID:      c.runID,
		ExitCode:   &code,
		StartedAt:  c.started,
		CrashCount: crashes,
		LastError:  msg,
	}, true)
	s.log.Warn("kernel crashed", zap.String("run", c.runID), zap.Int("exit_code", code), zap.Int("crash_count", crashes))
}
