package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"finalfit/internal/archive"
	"finalfit/internal/cli"
	"finalfit/internal/config"
	"finalfit/internal/execx"
	"finalfit/internal/ledger"
	"finalfit/internal/pipeline"
)

// finalfit run --sig --bkg --data [--skip ...] [--finalfit-dir DIR]
func cmdRun(ctx context.Context, args []string) error {
	opts, err := cli.ParseRunOptions(args)
	if err != nil {
		if helpRequested(err) {
			cli.PrintRunUsage(os.Stdout)
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
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	var target archive.Target
	if opts.Archive != "" && !opts.DryRun {
		if target, err = archive.ParseTarget(opts.Archive); err != nil {
			return &cli.InvocationError{ExitCode: cli.ExitInvalidInvocation, Message: err.Error()}
		}
	}

	root, err := filepath.Abs(expandHome(opts.FinalFitDir))
	if err != nil {
		return fmt.Errorf("finalfit-dir: %w", err)
	}
	for _, stage := range opts.Selection.Stages() {
		dir := filepath.Join(root, stage.Dir())
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return &cli.InvocationError{
				ExitCode: cli.ExitInvalidInvocation,
				Message:  fmt.Sprintf("%s is not a FinalFit checkout: %s/ not found (set --finalfit-dir)", root, stage.Dir()),
			}
		}
	}

	configs, err := loadStageConfigs(root, opts)
	if err != nil {
		return err
	}
	buildOpts := pipeline.Options{
		FinalFitDir:      root,
		Python:           opts.Python,
		Selection:        opts.Selection,
		Skip:             opts.Skip,
		SkipVtxSplit:     opts.SkipVtxSplit,
		DoEffAccFromJSON: opts.DoEffAccFromJSON,
		Prune:            opts.Prune,
		Syst:             opts.Syst,
		Configs:          configs,
		Datacard:         datacardOptions(opts, configs[pipeline.StageDatacard]),
	}
	plan, err := pipeline.Build(buildOpts)
	if err != nil {
		return err
	}

	runner := &pipeline.Runner{
		Exec: execx.ExecRunner{},
		Waiter: &pipeline.SchedulerWaiter{
			Remote: opts.Remote,
			User:   opts.User,
			Policy: opts.Policy(),
			Verify: opts.VerifyJobs,
			Logger: logger.With("component", "poll"),
		},
		Logger: logger.With("component", "pipeline"),
		Out:    os.Stdout,
		DryRun: opts.DryRun,
	}

	var (
		led *ledger.Ledger
		run *ledger.Run
	)
	recordedArgs := quoteArgs(args)
	commit, branch := gitInfo(root)
	if !opts.DryRun {
		stateDir, err := config.Dir()
		if err != nil {
			return err
		}
		runner.LogDir = filepath.Join(stateDir, "logs", runID)

		if !opts.NoLedger {
			led, err = ledger.Open(ctx, opts.Ledger)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer led.Close()

			run = &ledger.Run{
				ID:             runID,
				Stages:         opts.Selection.String(),
				Skip:           opts.Skip.String(),
				FinalFitDir:    root,
				Args:           recordedArgs,
				GitCommit:      commit,
				GitBranch:      branch,
				ConfigSnapshot: configSnapshot(configs, buildOpts.Datacard),
			}
			if err := led.CreateRun(ctx, run); err != nil {
				return err
			}
			runner.Recorder = &ledger.Recorder{Ledger: led, RunID: runID}
		}
	}

	logger.Info("run started", "stages", opts.Selection.String(), "skip", opts.Skip.String(), "finalfit_dir", root, "dry_run", opts.DryRun)
	started := time.Now()
	summary, runErr := runner.Run(ctx, plan)

	status := ledger.RunSucceeded
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		status = ledger.RunInterrupted
	default:
		status = ledger.RunFailed
	}

	// Bookkeeping below must happen even after an interrupt.
	bg := context.WithoutCancel(ctx)
	if led != nil {
		errMsg := ""
		if runErr != nil {
			errMsg = runErr.Error()
		}
		if err := led.FinishRun(bg, runID, status, errMsg); err != nil {
			logger.Warn("unable to record run result", "error", err)
		}
	}
	if opts.Archive != "" && !opts.DryRun {
		m := runManifest(runID, status, runErr, opts, started, summary, configs)
		m.Args, m.GitCommit, m.GitBranch = recordedArgs, commit, branch
		dest, err := archiveRun(bg, logger, target, m)
		if err != nil {
			logger.Warn("unable to archive run", "error", err)
		} else if led != nil {
			if err := led.SetArchive(bg, runID, dest); err != nil {
				logger.Warn("unable to record archive location", "error", err)
			}
		}
	}

	if runErr != nil {
		var stepErr *pipeline.StepError
		if errors.As(runErr, &stepErr) {
			if lines := stepErr.LastLines(20); len(lines) > 0 {
				fmt.Fprintf(os.Stderr, "--- last output of %s/%s ---\n%s\n", stepErr.Stage, stepErr.Step, strings.Join(lines, "\n"))
			}
		}
		logger.Error("run failed", "status", status, "error", runErr)
		return runErr
	}
	logger.Info("run finished",
		"succeeded", summary.Count(pipeline.StatusSucceeded),
		"skipped", summary.Count(pipeline.StatusSkipped),
		"planned", summary.Count(pipeline.StatusPlanned),
		"duration", time.Since(started).Round(time.Second))
	return nil
}

// stageConfigPath resolves p inside the stage directory unless it is absolute.
func stageConfigPath(root string, stage pipeline.Stage, p string) string {
	p = expandHome(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, stage.Dir(), p)
}

func loadStageConfigs(root string, opts cli.RunOptions) (map[pipeline.Stage]*config.RunConfig, error) {
	configs := make(map[pipeline.Stage]*config.RunConfig)
	paths := map[pipeline.Stage]string{
		pipeline.StageSignal:     opts.SigConfig,
		pipeline.StageBackground: opts.BkgConfig,
	}
	for _, stage := range []pipeline.Stage{pipeline.StageSignal, pipeline.StageBackground} {
		if !opts.Selection.Has(stage) {
			continue
		}
		cfg, err := config.Load(stageConfigPath(root, stage, paths[stage]))
		if err != nil {
			return nil, err
		}
		configs[stage] = cfg
	}

	// The datacard configuration is optional unless named explicitly.
	if opts.Selection.Has(pipeline.StageDatacard) && opts.DcConfig != "" {
		path := stageConfigPath(root, pipeline.StageDatacard, opts.DcConfig)
		_, statErr := os.Stat(path)
		if statErr == nil || opts.IsSet("dc_config") {
			cfg, err := config.Load(path)
			if err != nil {
				return nil, err
			}
			configs[pipeline.StageDatacard] = cfg
		}
	}
	return configs, nil
}

// datacardOptions prefers explicit flags, then the datacard configuration,
// then the flag defaults. The input directory is made absolute against the
// invoking directory since the datacard scripts run inside Datacard/.
func datacardOptions(opts cli.RunOptions, cfg *config.RunConfig) pipeline.DatacardOptions {
	dc := pipeline.DatacardOptions{Input: opts.Input, Ext: opts.Ext, Year: opts.Year}
	if cfg != nil {
		if !opts.IsSet("input") && cfg.InputWSDir != "" {
			dc.Input = cfg.InputWSDir
		}
		if !opts.IsSet("ext") && cfg.Ext != "" {
			dc.Ext = cfg.Ext
		}
		if !opts.IsSet("year") && cfg.Year != "" {
			dc.Year = cfg.Year
		}
	}
	if dc.Input != "" {
		if abs, err := filepath.Abs(expandHome(dc.Input)); err == nil {
			dc.Input = abs
		}
	}
	return dc
}

func configSnapshot(configs map[pipeline.Stage]*config.RunConfig, dc pipeline.DatacardOptions) string {
	snap := make(map[string]any)
	for stage, cfg := range configs {
		snap[string(stage)] = map[string]any{
			"path":   cfg.Path(),
			"values": cfg.Snapshot(),
		}
	}
	snap["datacard_args"] = map[string]string{"input": dc.Input, "ext": dc.Ext, "year": dc.Year}
	data, err := json.Marshal(snap)
	if err != nil {
		return ""
	}
	return string(data)
}

// newUploader is replaced in tests.
var newUploader = func(cfg archive.Config) (archive.Uploader, error) {
	return archive.NewMinioStore(cfg)
}

func archiveRun(ctx context.Context, logger *slog.Logger, target archive.Target, m archive.Manifest) (string, error) {
	cfg, err := archive.ConfigFromEnv()
	if err != nil {
		return "", err
	}
	store, err := newUploader(cfg)
	if err != nil {
		return "", err
	}
	a := &archive.Archiver{Store: store, Target: target, Logger: logger.With("component", "archive")}
	return a.ArchiveRun(ctx, m)
}

// runManifest describes a finished run for run.json.
func runManifest(runID, status string, runErr error, opts cli.RunOptions, started time.Time,
	summary pipeline.Summary, configs map[pipeline.Stage]*config.RunConfig) archive.Manifest {
	m := archive.Manifest{
		RunID:       runID,
		Stages:      opts.Selection.String(),
		Skip:        opts.Skip.String(),
		Status:      status,
		Config:      make(map[string]any),
		CreatedAt:   started.UTC(),
		CompletedAt: time.Now().UTC(),
	}
	if runErr != nil {
		m.Error = runErr.Error()
	}
	for stage, c := range configs {
		m.Config[string(stage)] = c.Snapshot()
	}
	for _, ev := range summary.Steps {
		step := archive.ManifestStep{
			Stage:   string(ev.Stage),
			Step:    ev.Step,
			Status:  string(ev.Status),
			Command: ev.Command,
		}
		if !ev.FinishedAt.IsZero() {
			code := ev.ExitCode
			step.ExitCode = &code
		}
		m.Steps = append(m.Steps, step.WithLog(ev.LogPath))
	}
	return m
}

// gitInfo reports the commit and branch of the FinalFit checkout.
func gitInfo(dir string) (commit, branch string) {
	c1 := exec.Command("git", "-C", dir, "rev-parse", "HEAD")
	if out, err := c1.Output(); err == nil {
		commit = strings.TrimSpace(string(out))
	}
	c2 := exec.Command("git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD")
	if out, err := c2.Output(); err == nil {
		branch = strings.TrimSpace(string(out))
	}
	return
}

func quoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = execx.ShellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
