package proc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunToCompletion(t *testing.T) {
	res, err := RunToCompletion(context.Background(), "sh", []string{"-c", "echo out; echo err >&2"}, "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestRunToCompletionNonZero(t *testing.T) {
	res, err := RunToCompletion(context.Background(), "sh", []string{"-c", "exit 3"}, "", 5*time.Second)
	assert.Error(t, err)
	assert.Equal(t, 3, res.Code)
}

func TestRunToCompletionTimeout(t *testing.T) {
	_, err := RunToCompletion(context.Background(), "sleep", []string{"10"}, "", 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestSpawnCallbacks(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	closed := make(chan struct{})

	r := &ExecRunner{}
	p, err := r.Spawn(Spec{
		Name: "echoer",
		Cmd:  "sh",
		Args: []string{"-c", "echo one; echo two"},
		OnStdout: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
		OnClose: func(code int, signal string) {
			assert.Equal(t, 0, code)
			assert.Empty(t, signal)
			close(closed)
		},
	})
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, lines)

	code, exited := p.ExitCode()
	assert.True(t, exited)
	assert.Equal(t, 0, code)
	assert.False(t, p.Running())
}

func TestSpawnStdin(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	closed := make(chan struct{})

	r := &ExecRunner{}
	p, err := r.Spawn(Spec{
		Name: "cat",
		Cmd:  "cat",
		OnStdout: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
		OnClose: func(int, string) { close(closed) },
	})
	require.NoError(t, err)
	require.NoError(t, p.WriteStdin("hello"))

	// cat exits once the queued line is flushed and stdin closes.
	require.NoError(t, p.CloseStdin())
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hello"}, lines)
}

func TestWriteStdinAfterClose(t *testing.T) {
	closed := make(chan struct{})

	r := &ExecRunner{}
	p, err := r.Spawn(Spec{
		Name:    "sleeper",
		Cmd:     "sleep",
		Args:    []string{"30"},
		OnClose: func(int, string) { close(closed) },
	})
	require.NoError(t, err)

	require.NoError(t, p.CloseStdin())
	assert.Error(t, p.WriteStdin("too late"))
	require.NoError(t, p.CloseStdin(), "close is idempotent")

	Terminate(p, 2*time.Second)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}

	// Writes to a dead child are swallowed, not surfaced.
	assert.NoError(t, p.WriteStdin("ignored"))
}

func TestSpawnSignalExit(t *testing.T) {
	closed := make(chan struct{})
	var gotSignal string

	r := &ExecRunner{}
	p, err := r.Spawn(Spec{
		Name: "sleeper",
		Cmd:  "sleep",
		Args: []string{"30"},
		OnClose: func(code int, signal string) {
			gotSignal = signal
			close(closed)
		},
	})
	require.NoError(t, err)

	Terminate(p, 2*time.Second)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}
	assert.Equal(t, "terminated", gotSignal)
}

func TestVerifyStartupFreshFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.m3u8")
	require.NoError(t, os.WriteFile(out, []byte("x"), 0o644))

	err := VerifyStartup(VerifyOptions{
		OutputFile:    out,
		MaxWait:       time.Second,
		MaxFileAge:    10 * time.Second,
		CheckInterval: 10 * time.Millisecond,
	})
	assert.NoError(t, err)
}

func TestVerifyStartupTimeout(t *testing.T) {
	err := VerifyStartup(VerifyOptions{
		OutputFile:    filepath.Join(t.TempDir(), "never.m3u8"),
		MaxWait:       100 * time.Millisecond,
		MaxFileAge:    time.Second,
		CheckInterval: 10 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestVerifyStartupStaleFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "stale.m3u8")
	require.NoError(t, os.WriteFile(out, []byte("x"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(out, old, old))

	err := VerifyStartup(VerifyOptions{
		OutputFile:    out,
		MaxWait:       100 * time.Millisecond,
		MaxFileAge:    time.Second,
		CheckInterval: 10 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestVerifyStartupProcessDied(t *testing.T) {
	r := &ExecRunner{}
	p, err := r.Spawn(Spec{Name: "true", Cmd: "true"})
	require.NoError(t, err)

	// Wait for the child to be reaped.
	require.Eventually(t, func() bool {
		_, exited := p.ExitCode()
		return exited
	}, 5*time.Second, 10*time.Millisecond)

	err = VerifyStartup(VerifyOptions{
		Process:       p,
		OutputFile:    filepath.Join(t.TempDir(), "never.m3u8"),
		MaxWait:       time.Second,
		MaxFileAge:    time.Second,
		CheckInterval: 10 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrNotReady)
}
