package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeProc is an in-memory child. It exits when exit is fed.
type fakeProc struct {
	pid        int
	exit       chan int
	ignoreTerm bool
	ignoreKill bool
	waitErr    error
	terms      atomic.Int32
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Wait() (int, error) { return <-p.exit, p.waitErr }

func (p *fakeProc) Terminate() error {
	p.terms.Add(1)
	if !p.ignoreTerm {
		p.exitWith(0)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	if !p.ignoreKill {
		p.exitWith(137)
	}
	return nil
}

// exitWith makes the process exit once; later calls are dropped.
func (p *fakeProc) exitWith(code int) {
	select {
	case p.exit <- code:
	default:
	}
}

// fakeLauncher hands out fakeProcs and tracks how many are alive.
type fakeLauncher struct {
	mu       sync.Mutex
	procs    []*fakeProc
	alive    atomic.Int32
	maxAlive atomic.Int32
	err      error
	// configure adjusts each new process before it is returned.
	configure func(*fakeProc)
	// launched is signalled after every successful launch.
	launched chan *fakeProc
}

func (l *fakeLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	p := &fakeProc{pid: 1000 + len(l.procs), exit: make(chan int, 1)}
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	if l.configure != nil {
		l.configure(p)
	}

	n := l.alive.Add(1)
	for {
		m := l.maxAlive.Load()
		if n <= m || l.maxAlive.CompareAndSwap(m, n) {
			break
		}
	}
	if l.launched != nil {
		l.launched <- p
	}
	return &countedProc{fakeProc: p, l: l}, nil
}

func (l *fakeLauncher) last() *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

// countedProc decrements the alive count when the process exits.
type countedProc struct {
	*fakeProc
	l *fakeLauncher
}

func (p *countedProc) Wait() (int, error) {
	code, err := p.fakeProc.Wait()
	p.l.alive.Add(-1)
	return code, err
}

var errLaunch = errors.New("exec format error")

func writeKernelConfig(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"log":{"level":"info"},"inbounds":[]}`), 0o644))
	return p
}
