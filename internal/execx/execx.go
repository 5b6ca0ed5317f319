// Package execx runs the external FinalFit scripts as child processes.
package execx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const defaultTailSize = 8 << 10

// Command is one external invocation. Dir is always explicit; the
// orchestrator never changes its own working directory.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the inherited environment.
	Env []string
}

// String renders the command the way a user would type it.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, ShellQuote(c.Name))
	for _, a := range c.Args {
		parts = append(parts, ShellQuote(a))
	}
	return strings.Join(parts, " ")
}

// Result is what a finished process left behind.
type Result struct {
	ExitCode int
	// Output holds the last few KiB of combined stdout and stderr.
	Output   []byte
	Duration time.Duration
}

// Runner runs a command to completion. A non-zero exit is reported through
// Result.ExitCode, not as an error; errors mean the process could not be
// started or was cancelled.
type Runner interface {
	Run(ctx context.Context, cmd Command, out io.Writer) (Result, error)
}

// ExecRunner runs commands with os/exec, in their own process group.
type ExecRunner struct {
	// TailSize bounds Result.Output. Zero means 8 KiB.
	TailSize int
}

func (r ExecRunner) Run(ctx context.Context, c Command, out io.Writer) (Result, error) {
	if strings.TrimSpace(c.Name) == "" {
		return Result{}, errors.New("command name is empty")
	}
	if c.Dir == "" {
		return Result{}, errors.New("command working directory is empty")
	}

	size := r.TailSize
	if size <= 0 {
		size = defaultTailSize
	}
	tail := &tailBuffer{max: size}
	var w io.Writer = tail
	if out != nil {
		w = io.MultiWriter(out, tail)
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole process group: the scripts fork their own children.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	res := Result{Output: tail.Bytes(), Duration: time.Since(start)}
	if err != nil && ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run %s: %w", c.Name, err)
	}
	return res, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) Bytes() []byte {
	return append([]byte(nil), t.buf...)
}

// ShellQuote quotes s for a POSIX shell when it needs quoting.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, `'`, `'"'"'`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,@%+", r)
}
