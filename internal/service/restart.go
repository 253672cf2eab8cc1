package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xfeldman/sboxd/internal/supervisor"
)

// Kernel is the part of the supervisor the restart policy drives.
type Kernel interface {
	Start(ctx context.Context) error
	Status() supervisor.Status
}

// RestartPolicy restarts a crashed kernel after a linear backoff, giving up
// once the consecutive crash count exceeds Max. Register Observe as a
// supervisor state hook.
type RestartPolicy struct {
	kernel  Kernel
	max     int
	backoff time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	pending *time.Timer
	closed  bool
}

// NewRestartPolicy creates a policy. backoff is multiplied by the crash count.
func NewRestartPolicy(k Kernel, max int, backoff time.Duration, log *zap.Logger) *RestartPolicy {
	if log == nil {
		log = zap.NewNop()
	}
	return &RestartPolicy{kernel: k, max: max, backoff: backoff, log: log.Named("restart")}
}

// Observe reacts to a kernel state change. It never blocks.
func (p *RestartPolicy) Observe(st supervisor.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if st.State != supervisor.StateCrashed {
		// Someone else moved the kernel on; drop any scheduled restart.
		p.cancelLocked()
		return
	}
	if st.CrashCount > p.max {
		p.log.Error("kernel keeps crashing, not restarting",
			zap.Int("crash_count", st.CrashCount), zap.Int("max", p.max))
		return
	}

	delay := p.backoff * time.Duration(st.CrashCount)
	p.cancelLocked()
	p.log.Info("scheduling kernel restart", zap.Duration("delay", delay), zap.Int("crash_count", st.CrashCount))
	p.pending = time.AfterFunc(delay, p.fire)
}

func (p *RestartPolicy) fire() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.pending = nil
	p.mu.Unlock()

	if p.kernel.Status().State != supervisor.StateCrashed {
		return
	}
	err := p.kernel.Start(context.Background())
	switch {
	case err == nil:
		p.log.Info("kernel restarted after crash")
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrTransitionInProgress):
	default:
		p.log.Warn("kernel restart failed", zap.Error(err))
	}
}

func (p *RestartPolicy) cancelLocked() {
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
}

// Close cancels any scheduled restart.
func (p *RestartPolicy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cancelLocked()
}
