// Package scheduler queries the cluster batch system for the jobs a FinalFit
// sub-step submitted.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"finalfit/internal/execx"
)

// JobQuery selects the jobs of one user whose name contains Name.
type JobQuery struct {
	Name string
	User string
}

func (q JobQuery) String() string {
	if q.User == "" {
		return q.Name
	}
	return fmt.Sprintf("%s (user %s)", q.Name, q.User)
}

// Scheduler counts queued or running jobs.
type Scheduler interface {
	CountJobs(ctx context.Context, q JobQuery) (int, error)
}

// Job is one accounting record.
type Job struct {
	ID    string
	Name  string
	State string
}

// FailureReporter is implemented by schedulers that keep job accounting and
// can tell a finished job from a failed one.
type FailureReporter interface {
	FailedJobs(ctx context.Context, q JobQuery, since time.Time) ([]Job, error)
}

// CommandFunc runs a program and returns its combined output.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Local is the scheduler of the "local" batch mode: nothing is ever queued.
type Local struct{}

func (Local) CountJobs(context.Context, JobQuery) (int, error) { return 0, nil }

// ForBatch returns the scheduler for a batch system name and whether jobs of
// that system can be polled at all. Only slurm is polled; everything else
// behaves like local.
func ForBatch(batch, remote string) (Scheduler, bool) {
	switch strings.ToLower(strings.TrimSpace(batch)) {
	case "slurm":
		return NewSlurm(remote), true
	default:
		return Local{}, false
	}
}

// Slurm queries squeue and sacct, optionally on a remote login node over ssh.
type Slurm struct {
	// Remote is a user@host for ssh; empty runs the tools locally.
	Remote string
	run    CommandFunc
}

func NewSlurm(remote string) *Slurm {
	return &Slurm{Remote: strings.TrimSpace(remote), run: runCommand}
}

// NewSlurmWithCommand is NewSlurm with an injected command runner.
func NewSlurmWithCommand(remote string, run CommandFunc) *Slurm {
	s := NewSlurm(remote)
	if run != nil {
		s.run = run
	}
	return s
}

func (s *Slurm) exec(ctx context.Context, tool string, args ...string) ([]byte, error) {
	if s.Remote == "" {
		return s.run(ctx, tool, args...)
	}
	// ssh joins its arguments into one remote shell line.
	remote := []string{s.Remote, execx.ShellQuote(tool)}
	for _, a := range args {
		remote = append(remote, execx.ShellQuote(a))
	}
	return s.run(ctx, "ssh", remote...)
}

// CountJobs counts the jobs in squeue whose name contains q.Name.
func (s *Slurm) CountJobs(ctx context.Context, q JobQuery) (int, error) {
	if strings.TrimSpace(q.Name) == "" {
		return 0, errors.New("job name filter is required")
	}
	args := []string{"-h", "-o", "%200j|%T"}
	if q.User != "" {
		args = append(args, "-u", q.User)
	}
	out, err := s.exec(ctx, "squeue", args...)
	if err != nil {
		return 0, fmt.Errorf("squeue: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	count := 0
	for _, line := range strings.Split(string(out), "\n") {
		name, state, ok := strings.Cut(line, "|")
		name = strings.TrimSpace(name)
		if name == "" || !strings.Contains(name, q.Name) {
			continue
		}
		// Anything squeue still lists counts unless it has already ended.
		if ok && IsTerminalState(state) {
			continue
		}
		count++
	}
	return count, nil
}

// FailedJobs lists jobs started since the given time whose name contains
// q.Name and whose final state is unsuccessful.
func (s *Slurm) FailedJobs(ctx context.Context, q JobQuery, since time.Time) ([]Job, error) {
	if strings.TrimSpace(q.Name) == "" {
		return nil, errors.New("job name filter is required")
	}
	args := []string{"-n", "-X", "-P", "-o", "JobID,JobName%200,State"}
	if q.User != "" {
		args = append(args, "-u", q.User)
	}
	if !since.IsZero() {
		args = append(args, "-S", since.Local().Format("2006-01-02T15:04:05"))
	}
	out, err := s.exec(ctx, "sacct", args...)
	if err != nil {
		return nil, fmt.Errorf("sacct: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	var failed []Job
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 3 {
			continue
		}
		job := Job{
			ID:    strings.TrimSpace(fields[0]),
			Name:  strings.TrimSpace(fields[1]),
			State: normalizeState(fields[2]),
		}
		if !strings.Contains(job.Name, q.Name) {
			continue
		}
		if IsFailedState(job.State) {
			failed = append(failed, job)
		}
	}
	return failed, nil
}

// normalizeState turns "CANCELLED by 1234" or "FAILED+" into the bare state.
func normalizeState(raw string) string {
	state := strings.TrimSpace(raw)
	if idx := strings.Index(state, " "); idx >= 0 {
		state = state[:idx]
	}
	return strings.ToUpper(strings.Trim(state, "+"))
}

// IsTerminalState reports whether a slurm job state is final. PREEMPTED is
// not final because the job may be requeued.
func IsTerminalState(state string) bool {
	switch normalizeState(state) {
	case "COMPLETED", "FAILED", "CANCELLED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "BOOT_FAIL", "DEADLINE", "REVOKED":
		return true
	default:
		return false
	}
}

// IsFailedState reports whether a terminal slurm job state is unsuccessful.
func IsFailedState(state string) bool {
	switch normalizeState(state) {
	case "FAILED", "CANCELLED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "BOOT_FAIL", "DEADLINE", "PREEMPTED", "REVOKED":
		return true
	default:
		return false
	}
}
