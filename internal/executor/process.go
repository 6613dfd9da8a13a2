package executor

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/devboard/devboard/pkg/codex"
)

// Process is a handle to a spawned agent. Real engines wrap an exec.Cmd;
// synthetic engines (echo) drive the same pipes from a goroutine.
type Process struct {
	// SessionID is the external session id in effect for this run.
	SessionID string

	// Stdin accepts protocol input for stream-based engines. Nil for RPC
	// engines, whose stdin is owned by the multiplexer.
	Stdin io.WriteCloser

	// Stdout and Stderr are normalized line sources. For RPC engines Stdout
	// carries re-serialized notifications rather than the raw process output.
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	// RPC is set for engines speaking the bidirectional JSON-RPC protocol.
	RPC *codex.Client

	cmd      *exec.Cmd
	exited   chan struct{}
	exitOnce sync.Once
	exitCode atomic.Int32
	killOnce sync.Once
}

// newProcess wraps a started command.
func newProcess(cmd *exec.Cmd, stdin io.WriteCloser, stdout, stderr io.ReadCloser) *Process {
	p := &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	p.exitCode.Store(-1)
	go p.wait()
	return p
}

// NewSyntheticProcess creates a process not backed by an OS subprocess. The
// caller feeds stdout/stderr and calls Finish when done.
func NewSyntheticProcess(stdin io.WriteCloser, stdout, stderr io.ReadCloser) *Process {
	p := &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		exited: make(chan struct{}),
	}
	p.exitCode.Store(-1)
	return p
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	p.Finish(code)
}

// Finish records the exit code and signals waiters. Idempotent.
func (p *Process) Finish(code int) {
	p.exitOnce.Do(func() {
		p.exitCode.Store(int32(code))
		close(p.exited)
	})
}

// Exited is closed once the process has terminated.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Running reports whether the process has not yet terminated.
func (p *Process) Running() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// ExitCode returns the recorded exit code, or -1 before exit.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// PID returns the OS process id, or 0 for synthetic processes.
func (p *Process) PID() int {
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// Kill forcefully terminates the process. For synthetic processes it closes
// the pipes, which ends the feeding goroutine.
func (p *Process) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if p.RPC != nil {
			p.RPC.Close()
		}
		if p.Stdin != nil {
			_ = p.Stdin.Close()
		}
		if p.cmd != nil && p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
			return
		}
		if p.Stdout != nil {
			_ = p.Stdout.Close()
		}
		if p.Stderr != nil {
			_ = p.Stderr.Close()
		}
		p.Finish(-1)
	})
	return err
}

// WriteLine writes one line to the process's stdin.
func (p *Process) WriteLine(data []byte) error {
	if p.Stdin == nil {
		return fmt.Errorf("process has no stdin")
	}
	if _, err := p.Stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("stdin write failed: %w", err)
	}
	return nil
}

// startCommand launches an agent binary with its stdio piped.
//
// The command deliberately does not inherit the caller's context: an HTTP
// request ending must not kill the agent.
func startCommand(name string, args []string, dir string, env []string) (*Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	return newProcess(cmd, stdin, stdout, stderr), nil
}
