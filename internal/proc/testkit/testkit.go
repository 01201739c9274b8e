// Package testkit provides scriptable fakes for proc.Runner so the
// supervisor can be exercised without spawning real processes.
package testkit

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"nvrd/internal/proc"
)

// Runner records every spawn and hands back controllable fake processes.
type Runner struct {
	mu      sync.Mutex
	nextPID int
	spawned []*Process

	// SpawnErr, when set, makes the next Spawn fail.
	SpawnErr error
}

// Spawn implements proc.Runner.
func (r *Runner) Spawn(spec proc.Spec) (proc.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SpawnErr != nil {
		err := r.SpawnErr
		r.SpawnErr = nil
		return nil, err
	}
	r.nextPID++
	p := &Process{Spec: spec, pid: r.nextPID}
	r.spawned = append(r.spawned, p)
	return p, nil
}

// Spawned returns all processes spawned so far.
func (r *Runner) Spawned() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Process, len(r.spawned))
	copy(out, r.spawned)
	return out
}

// Last returns the most recently spawned process, or nil.
func (r *Runner) Last() *Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.spawned) == 0 {
		return nil
	}
	return r.spawned[len(r.spawned)-1]
}

// ByName returns live processes whose spec name matches.
func (r *Runner) ByName(name string) []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Process
	for _, p := range r.spawned {
		if p.Spec.Name == name {
			out = append(out, p)
		}
	}
	return out
}

// Process is a scriptable stand-in for a spawned child.
type Process struct {
	Spec proc.Spec

	mu          sync.Mutex
	pid         int
	exited      bool
	code        int
	stdin       []string
	stdinClosed bool
	signals     []os.Signal
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.exited
}

func (p *Process) WriteStdin(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return fmt.Errorf("write to dead process %d", p.pid)
	}
	if p.stdinClosed {
		return fmt.Errorf("stdin of process %d is closed", p.pid)
	}
	p.stdin = append(p.stdin, line)
	return nil
}

func (p *Process) CloseStdin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stdinClosed = true
	return nil
}

// StdinClosed reports whether CloseStdin was called.
func (p *Process) StdinClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdinClosed
}

func (p *Process) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

// StdinLines returns everything written to the fake's stdin.
func (p *Process) StdinLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.stdin))
	copy(out, p.stdin)
	return out
}

// Signals returns every signal delivered to the fake.
func (p *Process) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]os.Signal, len(p.signals))
	copy(out, p.signals)
	return out
}

// Terminated reports whether SIGTERM or SIGKILL was delivered.
func (p *Process) Terminated() bool {
	for _, sig := range p.Signals() {
		if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
			return true
		}
	}
	return false
}

// EmitStdout feeds a line to the spec's stdout callback.
func (p *Process) EmitStdout(line string) {
	if p.Spec.OnStdout != nil {
		p.Spec.OnStdout(line)
	}
}

// EmitStderr feeds a line to the spec's stderr callback.
func (p *Process) EmitStderr(line string) {
	if p.Spec.OnStderr != nil {
		p.Spec.OnStderr(line)
	}
}

// Exit marks the process dead and fires OnClose once.
func (p *Process) Exit(code int, signal string) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.code = code
	p.mu.Unlock()
	if p.Spec.OnClose != nil {
		p.Spec.OnClose(code, signal)
	}
}

var _ proc.Runner = (*Runner)(nil)
var _ proc.Process = (*Process)(nil)
