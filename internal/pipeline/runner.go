// Package pipeline plans and runs the FinalFit stages.
//
// Stages run in a fixed order (signal, background, datacard) whatever order
// they were requested in. Inside a stage, sub-steps run in order; a sub-step
// that depends on batch jobs submitted by an earlier one waits for them to
// leave the queue first. The first failing sub-step halts the run.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"finalfit/internal/execx"
)

// StepStatus is the lifecycle state of a sub-step.
type StepStatus string

const (
	StatusRunning   StepStatus = "running"
	StatusSucceeded StepStatus = "succeeded"
	StatusFailed    StepStatus = "failed"
	StatusSkipped   StepStatus = "skipped"
	StatusPlanned   StepStatus = "planned"
)

// StepEvent describes a sub-step transition.
type StepEvent struct {
	Position   int
	Stage      Stage
	Step       string
	Status     StepStatus
	Command    string
	Dir        string
	LogPath    string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Recorder persists step transitions. Recorder failures are logged and do
// not stop the run.
type Recorder interface {
	StepStarted(ctx context.Context, ev StepEvent) error
	StepFinished(ctx context.Context, ev StepEvent) error
}

// Summary is the final state of every sub-step that was reached.
type Summary struct {
	Steps []StepEvent
}

// Count returns how many steps ended with status.
func (s Summary) Count(status StepStatus) int {
	n := 0
	for _, ev := range s.Steps {
		if ev.Status == status {
			n++
		}
	}
	return n
}

// Runner executes a Plan.
type Runner struct {
	Exec     execx.Runner
	Waiter   Waiter
	Recorder Recorder
	Logger   *slog.Logger
	// Out receives the live output of every sub-step. Nil discards it.
	Out io.Writer
	// LogDir, when set, receives one log file per executed sub-step.
	LogDir string
	// DryRun prints the commands without writing or executing anything.
	DryRun bool
	Now    func() time.Time
}

func (r *Runner) Run(ctx context.Context, plan *Plan) (Summary, error) {
	var sum Summary
	if plan == nil {
		return sum, fmt.Errorf("nothing to run")
	}
	if r.Exec == nil && !r.DryRun {
		return sum, fmt.Errorf("runner has no executor")
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}
	log := r.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if r.LogDir != "" && !r.DryRun {
		if err := os.MkdirAll(r.LogDir, 0o755); err != nil {
			return sum, fmt.Errorf("create log directory: %w", err)
		}
	}

	position := 0
	for _, sp := range plan.Stages {
		log.Info("stage started", "stage", sp.Stage, "dir", sp.Dir, "batch", sp.Batch)

		if sp.ScriptConfig != nil {
			if r.DryRun {
				log.Info("would write script configuration", "stage", sp.Stage, "path", sp.ScriptConfig.Path)
			} else if err := os.WriteFile(sp.ScriptConfig.Path, sp.ScriptConfig.Content, 0o644); err != nil {
				return sum, fmt.Errorf("%s: write script configuration: %w", sp.Stage, err)
			}
		}

		submittedAt := now()
		for _, step := range sp.Steps {
			position++
			ev := StepEvent{
				Position: position,
				Stage:    sp.Stage,
				Step:     step.Name,
				Command:  step.Command.String(),
				Dir:      step.Command.Dir,
			}

			if step.Skip {
				ev.Status = StatusSkipped
				log.Info("sub-step skipped", "stage", sp.Stage, "step", step.Name)
				r.finished(ctx, log, &sum, ev)
				continue
			}

			if r.DryRun {
				ev.Status = StatusPlanned
				if step.Await != "" {
					log.Info("would wait for batch jobs", "stage", sp.Stage, "step", step.Name, "job", step.Await, "batch", sp.Batch)
				}
				if r.Out != nil {
					fmt.Fprintf(r.Out, "[%s/%s] cd %s && %s\n", sp.Stage, step.Name, execx.ShellQuote(step.Command.Dir), ev.Command)
				}
				sum.Steps = append(sum.Steps, ev)
				continue
			}

			if step.Await != "" && r.Waiter != nil {
				req := WaitRequest{Stage: sp.Stage, Step: step.Name, Batch: sp.Batch, Token: step.Await, Since: submittedAt}
				if err := r.Waiter.Wait(ctx, req); err != nil {
					werr := &WaitError{Stage: sp.Stage, Step: step.Name, Token: step.Await, Err: err}
					ev.Status = StatusFailed
					ev.Err = werr
					r.finished(ctx, log, &sum, ev)
					return sum, werr
				}
			}

			ev.StartedAt = now()
			submittedAt = ev.StartedAt
			out, logPath, closeLog, err := r.output(ev)
			if err != nil {
				ev.Status = StatusFailed
				ev.Err = fmt.Errorf("%s/%s: %w", sp.Stage, step.Name, err)
				r.finished(ctx, log, &sum, ev)
				return sum, ev.Err
			}
			ev.LogPath = logPath
			ev.Status = StatusRunning
			if err := r.started(ctx, ev, log); err != nil {
				closeLog()
				return sum, err
			}
			log.Info("sub-step started", "stage", sp.Stage, "step", step.Name, "command", ev.Command)
			res, runErr := r.Exec.Run(ctx, step.Command, out)
			closeLog()

			ev.FinishedAt = now()
			ev.ExitCode = res.ExitCode
			switch {
			case runErr != nil:
				ev.Status = StatusFailed
				ev.Err = fmt.Errorf("%s/%s: %w", sp.Stage, step.Name, runErr)
				r.finished(ctx, log, &sum, ev)
				return sum, ev.Err
			case res.ExitCode != 0:
				serr := &StepError{
					Stage:    sp.Stage,
					Step:     step.Name,
					ExitCode: res.ExitCode,
					Output:   string(res.Output),
					LogPath:  logPath,
				}
				ev.Status = StatusFailed
				ev.Err = serr
				r.finished(ctx, log, &sum, ev)
				return sum, serr
			}

			ev.Status = StatusSucceeded
			log.Info("sub-step finished", "stage", sp.Stage, "step", step.Name,
				"duration", res.Duration.Round(time.Millisecond))
			r.finished(ctx, log, &sum, ev)
		}
		log.Info("stage finished", "stage", sp.Stage)
	}
	return sum, nil
}

func (r *Runner) started(ctx context.Context, ev StepEvent, log *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Recorder == nil {
		return nil
	}
	if err := r.Recorder.StepStarted(ctx, ev); err != nil {
		log.Warn("unable to record step", "stage", ev.Stage, "step", ev.Step, "error", err)
	}
	return nil
}

func (r *Runner) finished(ctx context.Context, log *slog.Logger, sum *Summary, ev StepEvent) {
	sum.Steps = append(sum.Steps, ev)
	if r.Recorder == nil {
		return
	}
	// The run context may already be cancelled; the final state is still recorded.
	if err := r.Recorder.StepFinished(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn("unable to record step", "stage", ev.Stage, "step", ev.Step, "error", err)
	}
}

func (r *Runner) output(ev StepEvent) (io.Writer, string, func(), error) {
	var writers []io.Writer
	if r.Out != nil {
		writers = append(writers, r.Out)
	}
	if r.LogDir == "" {
		return joinWriters(writers), "", func() {}, nil
	}
	path := filepath.Join(r.LogDir, fmt.Sprintf("%02d-%s-%s.log", ev.Position, ev.Stage, ev.Step))
	f, err := os.Create(path)
	if err != nil {
		return nil, "", nil, fmt.Errorf("create step log: %w", err)
	}
	fmt.Fprintf(f, "# %s\n# cwd: %s\n", ev.Command, ev.Dir)
	writers = append(writers, f)
	return joinWriters(writers), path, func() { _ = f.Close() }, nil
}

func joinWriters(ws []io.Writer) io.Writer {
	switch len(ws) {
	case 0:
		return io.Discard
	case 1:
		return ws[0]
	default:
		return io.MultiWriter(ws...)
	}
}
