// Package poll blocks until the batch scheduler no longer lists the jobs a
// sub-step submitted.
//
// The poller is a two-state machine. It starts in StatePolling and queries the
// scheduler; a non-zero count keeps it polling after one wait, zero moves it
// to StateDone. The wait is bounded by Policy.Timeout and by the context.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"finalfit/internal/scheduler"
)

var (
	// ErrPollTimeout matches a TimeoutError.
	ErrPollTimeout = errors.New("poll timeout")
	// ErrTooManyQueryErrors is returned when the scheduler could not be
	// queried MaxQueryErrors times in a row.
	ErrTooManyQueryErrors = errors.New("too many scheduler query errors")
)

// State of the poller.
type State int

const (
	StatePolling State = iota
	StateDone
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "POLLING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Policy bounds the wait.
type Policy struct {
	// Interval is the first wait between two queries.
	Interval time.Duration
	// Backoff multiplies the interval after every wait; values <= 1 keep it fixed.
	Backoff float64
	// MaxInterval caps the backed-off interval. Zero means no cap.
	MaxInterval time.Duration
	// Timeout is the longest total wait. Zero means no limit.
	Timeout time.Duration
	// MaxQueryErrors is how many consecutive failed queries are tolerated.
	MaxQueryErrors int
}

// DefaultPolicy polls every 30 seconds for up to three days.
func DefaultPolicy() Policy {
	return Policy{
		Interval:       30 * time.Second,
		Backoff:        1,
		MaxInterval:    5 * time.Minute,
		Timeout:        72 * time.Hour,
		MaxQueryErrors: 5,
	}
}

func (p Policy) Validate() error {
	if p.Interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if p.MaxInterval < 0 || p.Timeout < 0 {
		return errors.New("poll durations must not be negative")
	}
	if p.MaxInterval > 0 && p.MaxInterval < p.Interval {
		return fmt.Errorf("max poll interval %s is shorter than the poll interval %s", p.MaxInterval, p.Interval)
	}
	if p.MaxQueryErrors < 0 {
		return errors.New("max query errors must not be negative")
	}
	return nil
}

func (p Policy) next(d time.Duration) time.Duration {
	if p.Backoff <= 1 {
		return d
	}
	n := time.Duration(float64(d) * p.Backoff)
	if p.MaxInterval > 0 && n > p.MaxInterval {
		n = p.MaxInterval
	}
	return n
}

// TimeoutError is returned when jobs are still queued after Policy.Timeout.
type TimeoutError struct {
	Query  scheduler.JobQuery
	Waited time.Duration
	// Jobs is the last count the scheduler reported, -1 if the last query failed.
	Jobs int
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return ""
	}
	if e.Jobs < 0 {
		return fmt.Sprintf("%s after %s waiting for jobs %s", ErrPollTimeout, e.Waited, e.Query)
	}
	return fmt.Sprintf("%s after %s: %d job(s) matching %s still queued", ErrPollTimeout, e.Waited, e.Jobs, e.Query)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrPollTimeout }

// Result summarises one Wait.
type Result struct {
	Polls   int
	Waits   int
	Elapsed time.Duration
}

// Poller waits for a job query to drain.
type Poller struct {
	Scheduler scheduler.Scheduler
	Policy    Policy
	Logger    *slog.Logger

	// Sleep and Now default to real time.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
}

func New(s scheduler.Scheduler, policy Policy, logger *slog.Logger) *Poller {
	return &Poller{Scheduler: s, Policy: policy, Logger: logger}
}

// Wait returns once the scheduler reports no job matching q, the timeout
// expires, the scheduler fails too often, or ctx is done.
func (p *Poller) Wait(ctx context.Context, q scheduler.JobQuery) (Result, error) {
	if p.Scheduler == nil {
		return Result{}, errors.New("scheduler is required")
	}
	if err := p.Policy.Validate(); err != nil {
		return Result{}, err
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	start := now()
	var deadline time.Time
	if p.Policy.Timeout > 0 {
		deadline = start.Add(p.Policy.Timeout)
	}

	var res Result
	state := StatePolling
	interval := p.Policy.Interval
	queryErrors := 0
	last := -1

	for state == StatePolling {
		if err := ctx.Err(); err != nil {
			res.Elapsed = now().Sub(start)
			return res, err
		}

		// A query that hangs must not outlive the timeout.
		queryCtx, cancel := ctx, context.CancelFunc(func() {})
		if !deadline.IsZero() {
			left := deadline.Sub(now())
			if left <= 0 {
				res.Elapsed = now().Sub(start)
				return res, &TimeoutError{Query: q, Waited: res.Elapsed, Jobs: last}
			}
			queryCtx, cancel = context.WithTimeout(ctx, left)
		}
		n, err := p.Scheduler.CountJobs(queryCtx, q)
		expired := queryCtx.Err() != nil
		cancel()
		res.Polls++
		switch {
		case err != nil:
			if ctx.Err() != nil {
				res.Elapsed = now().Sub(start)
				return res, ctx.Err()
			}
			if expired {
				res.Elapsed = now().Sub(start)
				return res, &TimeoutError{Query: q, Waited: res.Elapsed, Jobs: -1}
			}
			queryErrors++
			n = -1
			p.log(ctx, slog.LevelWarn, "unable to query job status", "job", q.Name, "attempt", queryErrors, "error", err)
			if queryErrors > p.Policy.MaxQueryErrors {
				res.Elapsed = now().Sub(start)
				return res, fmt.Errorf("%w: %s: %w", ErrTooManyQueryErrors, q, err)
			}
		case n == 0:
			state = StateDone
			continue
		default:
			queryErrors = 0
			p.log(ctx, slog.LevelInfo, "jobs are still running", "job", q.Name, "count", n, "next_poll", interval)
		}

		last = n
		wait := interval
		if !deadline.IsZero() {
			left := deadline.Sub(now())
			if left <= 0 {
				res.Elapsed = now().Sub(start)
				return res, &TimeoutError{Query: q, Waited: res.Elapsed, Jobs: n}
			}
			if wait > left {
				wait = left
			}
		}
		if err := sleep(ctx, wait); err != nil {
			res.Elapsed = now().Sub(start)
			return res, err
		}
		res.Waits++
		interval = p.Policy.next(interval)
	}

	res.Elapsed = now().Sub(start)
	p.log(ctx, slog.LevelInfo, "jobs are finished", "job", q.Name, "polls", res.Polls, "elapsed", res.Elapsed.Round(time.Second))
	return res, nil
}

func (p *Poller) log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	if p.Logger == nil {
		return
	}
	p.Logger.Log(ctx, level, msg, attrs...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
