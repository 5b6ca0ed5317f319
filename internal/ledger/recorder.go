package ledger

import (
	"context"

	"finalfit/internal/pipeline"
)

// Recorder stores pipeline step events under one run.
type Recorder struct {
	Ledger *Ledger
	RunID  string
}

func (r *Recorder) StepStarted(ctx context.Context, ev pipeline.StepEvent) error {
	return r.Ledger.SaveStep(ctx, r.step(ev))
}

func (r *Recorder) StepFinished(ctx context.Context, ev pipeline.StepEvent) error {
	return r.Ledger.SaveStep(ctx, r.step(ev))
}

func (r *Recorder) step(ev pipeline.StepEvent) Step {
	s := Step{
		RunID:      r.RunID,
		Position:   ev.Position,
		Stage:      string(ev.Stage),
		Name:       ev.Step,
		Status:     string(ev.Status),
		Command:    ev.Command,
		Dir:        ev.Dir,
		LogPath:    ev.LogPath,
		StartedAt:  ev.StartedAt,
		FinishedAt: ev.FinishedAt,
	}
	if !ev.FinishedAt.IsZero() {
		code := ev.ExitCode
		s.ExitCode = &code
	}
	if ev.Err != nil {
		s.Error = ev.Err.Error()
	}
	return s
}
