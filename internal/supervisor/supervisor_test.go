package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSupervisor(t *testing.T, l Launcher, mutate ...func(*Options)) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		Binary:       "/opt/sing-box",
		ConfigPath:   writeKernelConfig(t, dir),
		WorkDir:      dir,
		Launcher:     l,
		ReadyTimeout: 20 * time.Millisecond,
		StopGrace:    100 * time.Millisecond,
		KillTimeout:  100 * time.Millisecond,
		StableAfter:  time.Hour,
		Logger:       zaptest.NewLogger(t),
	}
	for _, m := range mutate {
		m(&opts)
	}
	return New(opts)
}

// statusLog records hook notifications.
type statusLog struct {
	mu  sync.Mutex
	all []Status
}

func (h *statusLog) add(st Status) {
	h.mu.Lock()
	h.all = append(h.all, st)
	h.mu.Unlock()
}

func (h *statusLog) states() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]State, 0, len(h.all))
	for _, st := range h.all {
		out = append(out, st.State)
	}
	return out
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status().State == want },
		2*time.Second, 5*time.Millisecond, "state never became %s", want)
}

func TestStartStop(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)
	hooks := &statusLog{}
	s.OnStateChange(hooks.add)

	require.NoError(t, s.Start(context.Background()))
	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1000, st.PID)
	assert.NotEmpty(t, st.RunID)
	assert.True(t, st.Alive())

	require.NoError(t, s.Stop(context.Background()))
	st = s.Status()
	assert.Equal(t, StateStopped, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 0, *st.ExitCode)
	assert.EqualValues(t, 1, l.last().terms.Load())

	assert.Equal(t, []State{StateStarting, StateRunning, StateStopping, StateStopped}, hooks.states())
}

func TestDoubleStartReturnsAlreadyRunning(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)

	require.NoError(t, s.Start(context.Background()))
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, l.count())
	assert.Equal(t, StateRunning, s.Status().State)
}

func TestConcurrentStartsSpawnOneChild(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Start(context.Background())
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrTransitionInProgress):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.Equal(t, 1, l.count())
	assert.LessOrEqual(t, l.maxAlive.Load(), int32(1))
	assert.Equal(t, StateRunning, s.Status().State)
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)

	assert.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.Status().State)
	assert.Zero(t, l.count())
}

func TestCrashIsDetected(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)
	hooks := &statusLog{}
	s.OnStateChange(hooks.add)

	require.NoError(t, s.Start(context.Background()))
	l.last().exitWith(2)

	waitState(t, s, StateCrashed)
	st := s.Status()
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 2, *st.ExitCode)
	assert.Equal(t, 1, st.CrashCount)
	assert.Contains(t, st.LastError, "code 2")
	assert.False(t, st.Alive())
	assert.Contains(t, hooks.states(), StateCrashed)

	// Stop after a crash is a no-op, Start recovers.
	assert.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.Status().State)
	assert.Equal(t, 1, s.Status().CrashCount)
}

func TestCrashCountAccumulatesAndResets(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)
	for i := 1; i <= 2; i++ {
		require.NoError(t, s.Start(context.Background()))
		l.last().exitWith(1)
		waitState(t, s, StateCrashed)
		assert.Equal(t, i, s.Status().CrashCount)
	}

	stable := newTestSupervisor(t, l, func(o *Options) { o.StableAfter = time.Nanosecond })
	for i := 0; i < 2; i++ {
		require.NoError(t, stable.Start(context.Background()))
		l.last().exitWith(1)
		waitState(t, stable, StateCrashed)
		assert.Equal(t, 1, stable.Status().CrashCount)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	l := &fakeLauncher{configure: func(p *fakeProc) { p.ignoreTerm = true }}
	s := newTestSupervisor(t, l, func(o *Options) { o.StopGrace = 30 * time.Millisecond })

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	st := s.Status()
	assert.Equal(t, StateStopped, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 137, *st.ExitCode)
}

func TestStopTerminationFailed(t *testing.T) {
	l := &fakeLauncher{configure: func(p *fakeProc) { p.ignoreTerm, p.ignoreKill = true, true }}
	s := newTestSupervisor(t, l, func(o *Options) {
		o.StopGrace = 20 * time.Millisecond
		o.KillTimeout = 20 * time.Millisecond
	})

	require.NoError(t, s.Start(context.Background()))
	err := s.Stop(context.Background())
	require.ErrorIs(t, err, ErrTerminationFailed)
	assert.Equal(t, StateRunning, s.Status().State)
	assert.NotEmpty(t, s.Status().LastError)

	// The child finally dies; the watcher reports it.
	l.last().exitWith(9)
	waitState(t, s, StateCrashed)
}

func TestTransitionInProgress(t *testing.T) {
	l := &fakeLauncher{launched: make(chan *fakeProc)}
	s := newTestSupervisor(t, l)

	startErr := make(chan error, 1)
	go func() { startErr <- s.Start(context.Background()) }()

	require.Eventually(t, func() bool { return s.Status().State == StateStarting },
		time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Stop(context.Background()), ErrTransitionInProgress)
	assert.ErrorIs(t, s.Restart(context.Background()), ErrTransitionInProgress)
	assert.ErrorIs(t, s.Start(context.Background()), ErrTransitionInProgress)

	<-l.launched
	require.NoError(t, <-startErr)
	assert.Equal(t, 1, l.count())
}

func TestRestartKeepsOneChild(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)
	require.NoError(t, s.Start(context.Background()))
	first := s.Status()

	hooks := &statusLog{}
	s.OnStateChange(hooks.add)
	require.NoError(t, s.Restart(context.Background()))

	st := s.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.NotEqual(t, first.PID, st.PID)
	assert.NotEqual(t, first.RunID, st.RunID)
	assert.Equal(t, 2, l.count())
	assert.EqualValues(t, 1, l.procs[0].terms.Load())
	assert.LessOrEqual(t, l.maxAlive.Load(), int32(1))
	assert.Equal(t, []State{StateRunning}, hooks.states())
}

func TestRestartFromStoppedStarts(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)
	require.NoError(t, s.Restart(context.Background()))
	assert.Equal(t, StateRunning, s.Status().State)
	assert.Equal(t, 1, l.count())
}

func TestRestartFailurePublishesOnlyOutcome(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l)
	require.NoError(t, s.Start(context.Background()))

	hooks := &statusLog{}
	s.OnStateChange(hooks.add)
	l.err = errLaunch
	err := s.Restart(context.Background())
	require.ErrorIs(t, err, ErrSpawnFailed)

	assert.Equal(t, []State{StateStopped}, hooks.states())
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestStartConfigMissing(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l, func(o *Options) { o.ConfigPath = filepath.Join(t.TempDir(), "absent.json") })
	assert.ErrorIs(t, s.Start(context.Background()), ErrConfigMissing)

	bad := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	s = newTestSupervisor(t, l, func(o *Options) { o.ConfigPath = bad })
	assert.ErrorIs(t, s.Start(context.Background()), ErrConfigMissing)

	assert.Zero(t, l.count())
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestStartSpawnFailure(t *testing.T) {
	l := &fakeLauncher{err: errLaunch}
	s := newTestSupervisor(t, l)

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrSpawnFailed)
	assert.ErrorIs(t, err, errLaunch)
	st := s.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Contains(t, st.LastError, "exec format error")
}

func TestExitDuringStartup(t *testing.T) {
	l := &fakeLauncher{configure: func(p *fakeProc) { p.exitWith(1) }}
	s := newTestSupervisor(t, l, func(o *Options) { o.ReadyTimeout = time.Second })

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrSpawnFailed)
	assert.Contains(t, err.Error(), "code 1")

	// The watcher must not turn a failed start into a crash.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateStopped, s.Status().State)
	assert.Zero(t, s.Status().CrashCount)
}

func TestExitDuringStartupReportsWaitError(t *testing.T) {
	errWait := errors.New("wait: no child processes")
	l := &fakeLauncher{configure: func(p *fakeProc) {
		p.waitErr = errWait
		p.exitWith(-1)
	}}
	s := newTestSupervisor(t, l, func(o *Options) { o.ReadyTimeout = time.Second })

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrSpawnFailed)
	assert.ErrorIs(t, err, errWait)
	assert.Contains(t, s.Status().LastError, "no child processes")
}

func TestProbeMarksRunningEarly(t *testing.T) {
	l := &fakeLauncher{}
	var calls atomic.Int32
	s := newTestSupervisor(t, l, func(o *Options) {
		o.ReadyTimeout = 10 * time.Second
		o.Probe = func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("not listening yet")
			}
			return nil
		}
	})

	start := time.Now()
	require.NoError(t, s.Start(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, StateRunning, s.Status().State)
}

func TestStartCancelledContext(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestSupervisor(t, l, func(o *Options) { o.ReadyTimeout = 10 * time.Second })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Start(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateStopped, s.Status().State)
	assert.Zero(t, l.alive.Load())
}

func TestHookPanicDoesNotBreakTransitions(t *testing.T) {
	s := newTestSupervisor(t, &fakeLauncher{})
	s.OnStateChange(func(Status) { panic("hook bug") })
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestKernelArgs(t *testing.T) {
	assert.Equal(t, []string{"run", "-c", "/w/config.json", "-D", "/w"}, KernelArgs("/w/config.json", "/w"))
}
