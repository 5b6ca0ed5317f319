package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"finalfit/internal/poll"
	"finalfit/internal/scheduler"
)

// WaitRequest asks for the jobs of a previous sub-step to drain.
type WaitRequest struct {
	Stage Stage
	Step  string
	Batch string
	Token string
	// Since is when the sub-step that submitted the jobs started.
	Since time.Time
}

// Waiter blocks until a WaitRequest is satisfied.
type Waiter interface {
	Wait(ctx context.Context, req WaitRequest) error
}

// SchedulerWaiter polls the batch system named by the stage configuration.
// Batch systems other than slurm are not polled.
type SchedulerWaiter struct {
	Remote string
	User   string
	Policy poll.Policy
	// Verify checks accounting for failed jobs once the queue is empty.
	Verify bool
	Logger *slog.Logger

	// ForBatch, Sleep and Now are replaced in tests.
	ForBatch func(batch, remote string) (scheduler.Scheduler, bool)
	Sleep    func(ctx context.Context, d time.Duration) error
	Now      func() time.Time
}

func (w *SchedulerWaiter) Wait(ctx context.Context, req WaitRequest) error {
	pick := w.ForBatch
	if pick == nil {
		pick = scheduler.ForBatch
	}
	sched, pollable := pick(req.Batch, w.Remote)
	if !pollable {
		if b := strings.ToLower(strings.TrimSpace(req.Batch)); b != "" && b != "local" {
			w.logger().Warn("batch system is not polled; continuing without waiting",
				"stage", req.Stage, "step", req.Step, "batch", req.Batch)
		}
		return nil
	}

	q := scheduler.JobQuery{Name: req.Token, User: w.User}
	w.logger().Info("waiting for batch jobs", "stage", req.Stage, "step", req.Step, "job", req.Token)

	p := poll.New(sched, w.Policy, w.Logger)
	p.Sleep = w.Sleep
	p.Now = w.Now
	if _, err := p.Wait(ctx, q); err != nil {
		return err
	}
	if !w.Verify {
		return nil
	}

	reporter, ok := sched.(scheduler.FailureReporter)
	if !ok {
		w.logger().Warn("scheduler cannot report failed jobs; skipping verification", "job", req.Token)
		return nil
	}
	failed, err := reporter.FailedJobs(ctx, q, req.Since)
	if err != nil {
		return fmt.Errorf("verify %s jobs: %w", req.Token, err)
	}
	if len(failed) > 0 {
		return &JobsFailedError{Token: req.Token, Jobs: failed}
	}
	return nil
}

func (w *SchedulerWaiter) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.Logger
}
