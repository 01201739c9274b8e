// Package proc is the child-process primitive underneath the supervisor:
// spawn with line-oriented output callbacks and structured close delivery,
// run-to-completion with a timeout, and startup verification by probing an
// output artifact on disk.
package proc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotReady is returned by VerifyStartup when the process died, the
// deadline elapsed, or the output file never became fresh.
var ErrNotReady = errors.New("proc: not ready")

// Spec describes a child process to spawn. Output callbacks receive whole
// lines with the trailing newline stripped; they are invoked from reader
// goroutines, one per stream.
type Spec struct {
	Name string
	Cmd  string
	Args []string
	Dir  string

	OnStdout func(line string)
	OnStderr func(line string)
	OnError  func(err error)
	OnClose  func(code int, signal string)
}

// stdinQueueSize bounds lines queued for a child's stdin. A full queue
// refuses the write instead of blocking the caller.
const stdinQueueSize = 256

// Process is a handle to a spawned child.
type Process interface {
	PID() int
	Running() bool
	// ExitCode returns the exit code once the child has closed.
	ExitCode() (code int, exited bool)
	// WriteStdin queues one line for the child's stdin; a dedicated
	// goroutine performs the pipe write, so the caller never blocks. A
	// full queue or a closed stdin is an error; a write to a dead child
	// is logged and swallowed.
	WriteStdin(line string) error
	// CloseStdin closes the child's stdin once queued lines are flushed.
	CloseStdin() error
	Signal(sig os.Signal) error
}

// Runner spawns child processes. The exec-backed implementation is the
// production one; tests substitute a fake.
type Runner interface {
	Spawn(spec Spec) (Process, error)
}

// ExecRunner runs real OS processes.
type ExecRunner struct {
	Log zerolog.Logger
}

type execProcess struct {
	name    string
	cmd     *exec.Cmd
	stdinCh chan string
	log     zerolog.Logger

	mu          sync.Mutex
	exited      bool
	code        int
	stdinClosed bool
}

// Spawn starts the child and wires its streams. OnClose fires exactly once
// after the child exits and both streams are drained.
func (r *ExecRunner) Spawn(spec Spec) (Process, error) {
	cmd := exec.Command(spec.Cmd, spec.Args...)
	cmd.Dir = spec.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe for %s: %w", spec.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe for %s: %w", spec.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Name, err)
	}

	p := &execProcess{name: spec.Name, cmd: cmd, stdinCh: make(chan string, stdinQueueSize), log: r.Log}

	go func() {
		defer stdin.Close()
		for line := range p.stdinCh {
			if _, err := io.WriteString(stdin, line+"\n"); err != nil {
				// A dead child's stdin is not a fault of ours.
				if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) {
					p.log.Debug().Str("name", p.name).Msg("dropped write to closed stdin")
					continue
				}
				p.log.Error().Err(err).Str("name", p.name).Msg("stdin write")
			}
		}
	}()

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		scanLines(stdout, spec.OnStdout)
	}()
	go func() {
		defer streams.Done()
		scanLines(stderr, spec.OnStderr)
	}()

	go func() {
		streams.Wait()
		err := cmd.Wait()
		code, signal := exitStatus(cmd, err)

		p.mu.Lock()
		p.exited = true
		p.code = code
		p.mu.Unlock()
		_ = p.CloseStdin()

		if err != nil && spec.OnError != nil && code == -1 && signal == "" {
			spec.OnError(err)
		}
		if spec.OnClose != nil {
			spec.OnClose(code, signal)
		}
	}()

	r.Log.Debug().Str("name", spec.Name).Int("pid", cmd.Process.Pid).Msg("spawned child")
	return p, nil
}

func scanLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if fn != nil {
			fn(scanner.Text())
		}
	}
}

func exitStatus(cmd *exec.Cmd, err error) (code int, signal string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, ws.Signal().String()
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *execProcess) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.exited
}

func (p *execProcess) WriteStdin(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		p.log.Debug().Str("name", p.name).Msg("dropped write to dead child")
		return nil
	}
	if p.stdinClosed {
		return fmt.Errorf("stdin of %s is closed", p.name)
	}
	select {
	case p.stdinCh <- line:
		return nil
	default:
		return fmt.Errorf("stdin queue full for %s", p.name)
	}
}

func (p *execProcess) CloseStdin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdinClosed {
		return nil
	}
	p.stdinClosed = true
	close(p.stdinCh)
	return nil
}

func (p *execProcess) Signal(sig os.Signal) error {
	if !p.Running() {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

// Terminate sends SIGTERM and escalates to SIGKILL if the child is still
// alive after grace. It returns immediately.
func Terminate(p Process, grace time.Duration) {
	if p == nil || !p.Running() {
		return
	}
	_ = p.Signal(syscall.SIGTERM)
	time.AfterFunc(grace, func() {
		if p.Running() {
			_ = p.Signal(syscall.SIGKILL)
		}
	})
}

// RunResult is the captured outcome of RunToCompletion.
type RunResult struct {
	Code   int
	Stdout string
	Stderr string
}

// RunToCompletion runs the command, captures both streams in full and kills
// the child when the timeout elapses.
func RunToCompletion(ctx context.Context, cmd string, args []string, dir string, timeout time.Duration) (RunResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	c := exec.CommandContext(ctx, cmd, args...)
	c.Dir = dir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if c.ProcessState != nil {
		res.Code = c.ProcessState.ExitCode()
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s timed out: %w", cmd, ctx.Err())
	}
	return res, err
}

// VerifyOptions controls VerifyStartup.
type VerifyOptions struct {
	Process       Process
	OutputFile    string
	MaxWait       time.Duration
	MaxFileAge    time.Duration
	CheckInterval time.Duration
}

// VerifyStartup polls the filesystem until the output file exists and its
// mtime is within MaxFileAge. It fails with ErrNotReady when the process
// dies or the deadline elapses first.
func VerifyStartup(opts VerifyOptions) error {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 250 * time.Millisecond
	}
	deadline := time.Now().Add(opts.MaxWait)
	for {
		if opts.Process != nil {
			if _, exited := opts.Process.ExitCode(); exited {
				return fmt.Errorf("%w: process exited before producing %s", ErrNotReady, opts.OutputFile)
			}
		}
		if info, err := os.Stat(opts.OutputFile); err == nil {
			if time.Since(info.ModTime()) <= opts.MaxFileAge {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s not fresh within %s", ErrNotReady, opts.OutputFile, opts.MaxWait)
		}
		time.Sleep(opts.CheckInterval)
	}
}
