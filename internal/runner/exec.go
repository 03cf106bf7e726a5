package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/CristianCarreira/aipal/internal/agents"
)

// Exec failure kinds, inspectable with errors.Is.
var (
	ErrTimeout           = errors.New("agent timed out")
	ErrMaxBufferExceeded = errors.New("agent output exceeded buffer cap")
	ErrMissingBinary     = errors.New("agent binary not found")
	ErrEmptyOutput       = errors.New("agent produced no output")
	ErrNonZeroExit       = errors.New("agent exited non-zero")
	ErrExecFailed        = errors.New("agent exec failed")
)

// ExecError wraps a subprocess failure with whatever stdout was
// captured before it died.
type ExecError struct {
	Kind   error
	Stdout string
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("agent exec: %v", e.Err)
}

func (e *ExecError) Unwrap() error { return e.Kind }

// ExecOptions bounds one subprocess invocation.
type ExecOptions struct {
	Timeout     time.Duration
	MaxBuffer   int
	Env         []string // KEY=VALUE pairs appended to the inherited env
	Dir         string
	NeedsPty    bool
	MergeStderr bool
}

// capWriter accumulates output up to a byte cap.
type capWriter struct {
	buf        bytes.Buffer
	cap        int
	overflowed bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	if w.buf.Len()+len(p) > w.cap {
		w.overflowed = true
		remain := w.cap - w.buf.Len()
		if remain > 0 {
			w.buf.Write(p[:remain])
		}
		return len(p), nil // keep draining so the child is not blocked on a full pipe
	}
	return w.buf.Write(p)
}

// Execute runs a shell command line under bash -lc with a wall-clock
// timeout and output cap, returning captured stdout. A pty-requiring
// command is wrapped in script(1) so the agent sees a terminal; stderr
// is merged via shell redirection when requested.
//
// Non-zero exit with non-empty stdout returns the stdout together with
// an *ExecError so the caller can parse what arrived.
func Execute(ctx context.Context, command string, opts ExecOptions) (string, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = 10 * 1024 * 1024
	}

	if opts.MergeStderr {
		command = "{ " + command + " ; } 2>&1"
	}
	if opts.NeedsPty {
		// script(1) allocates a pty and relays the child's output.
		command = "script -qec " + agents.ShellQuote(command) + " /dev/null"
	}

	execCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-lc", command)
	cmd.Env = append(os.Environ(), opts.Env...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}

	out := &capWriter{cap: opts.MaxBuffer}
	cmd.Stdout = out
	if !opts.MergeStderr {
		cmd.Stderr = nil
	}

	err := cmd.Run()
	stdout := out.buf.String()

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		return stdout, &ExecError{Kind: ErrTimeout, Stdout: stdout, Err: execCtx.Err()}
	case out.overflowed:
		return stdout, &ExecError{Kind: ErrMaxBufferExceeded, Stdout: stdout,
			Err: fmt.Errorf("output exceeded %d bytes", opts.MaxBuffer)}
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout, &ExecError{Kind: ErrNonZeroExit, Stdout: stdout, Err: err}
		}
		if errors.Is(err, exec.ErrNotFound) {
			return stdout, &ExecError{Kind: ErrMissingBinary, Stdout: stdout, Err: err}
		}
		return stdout, &ExecError{Kind: ErrExecFailed, Stdout: stdout, Err: err}
	}
	return stdout, nil
}
