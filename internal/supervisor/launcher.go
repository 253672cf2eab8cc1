package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/xfeldman/sboxd/internal/logstore"
)

// Spec describes one kernel launch.
type Spec struct {
	Binary string
	Args   []string
	Dir    string
	Env    []string
	RunID  string
}

// Process is a launched child.
type Process interface {
	PID() int
	// Wait blocks until the process exits and returns its exit code. The
	// supervisor calls it exactly once.
	Wait() (int, error)
	// Terminate asks the process to exit.
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
}

// Launcher starts kernel processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// ExecLauncher runs the kernel as an OS process. Stdout and stderr lines go
// to Logs when it is set.
type ExecLauncher struct {
	Logs *logstore.Log
}

// Launch starts the binary. The context only bounds the launch itself; the
// child outlives it.
func (l *ExecLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(spec.Binary); err != nil {
		return nil, fmt.Errorf("kernel binary: %w", err)
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = nil
	// Do not hang on output pipes held open by grandchildren.
	cmd.WaitDelay = time.Second
	configureCmd(cmd)

	var outputs []io.WriteCloser
	if l.Logs != nil {
		stdout := l.Logs.Writer(logstore.StreamStdout, spec.RunID)
		stderr := l.Logs.Writer(logstore.StreamStderr, spec.RunID)
		cmd.Stdout, cmd.Stderr = stdout, stderr
		outputs = append(outputs, stdout, stderr)
	}

	if err := cmd.Start(); err != nil {
		for _, w := range outputs {
			w.Close()
		}
		return nil, fmt.Errorf("start %s: %w", spec.Binary, err)
	}
	if l.Logs != nil {
		l.Logs.Append(logstore.StreamSystem, fmt.Sprintf("kernel started pid=%d", cmd.Process.Pid), spec.RunID)
	}
	return &execProcess{cmd: cmd, outputs: outputs, logs: l.Logs, runID: spec.RunID}, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	outputs []io.WriteCloser
	logs    *logstore.Log
	runID   string
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	for _, w := range p.outputs {
		w.Close()
	}
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	if p.logs != nil {
		p.logs.Append(logstore.StreamSystem, fmt.Sprintf("kernel exited code=%d", code), p.runID)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		err = nil
	}
	return code, err
}

func (p *execProcess) Terminate() error { return terminate(p.cmd.Process) }

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
