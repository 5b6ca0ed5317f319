package main

import (
	"context"
	"os"
	"time"

	"finalfit/internal/cli"
	"finalfit/internal/pipeline"
)

// finalfit wait --job fTest [--job Syst] [--user U] [--remote user@host]
func cmdWait(ctx context.Context, args []string) error {
	opts, err := cli.ParseWaitOptions(args)
	if err != nil {
		if helpRequested(err) {
			cli.PrintWaitUsage(os.Stdout)
			return nil
		}
		return err
	}
	prof, err := resolveProfile(opts.Profile)
	if err != nil {
		return err
	}
	if err := opts.ApplyProfile(prof); err != nil {
		return err
	}

	logger := newLogger(os.Stderr, opts.Verbose)
	waiter := &pipeline.SchedulerWaiter{
		Remote: opts.Remote,
		User:   opts.User,
		Policy: opts.Policy(),
		Verify: opts.VerifyJobs,
		Logger: logger.With("component", "poll"),
	}
	started := time.Now()
	for _, token := range opts.Jobs {
		// Without a submission time, accounting is checked from midnight.
		req := pipeline.WaitRequest{Step: "wait", Batch: "slurm", Token: token}
		if err := waiter.Wait(ctx, req); err != nil {
			return err
		}
	}
	logger.Info("all jobs finished", "jobs", opts.Jobs, "elapsed", time.Since(started).Round(time.Second))
	return nil
}
