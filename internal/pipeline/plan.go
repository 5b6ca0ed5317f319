package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"finalfit/internal/config"
	"finalfit/internal/execx"
)

// Step is one external invocation inside a stage.
type Step struct {
	Stage Stage
	Name  string
	// Skip marks a step left out through the skip list.
	Skip bool
	// Await is the job-name token of batch jobs that must drain before this
	// step starts.
	Await   string
	Command execx.Command
}

// GeneratedFile is written before the stage's first step runs.
type GeneratedFile struct {
	Path    string
	Content []byte
}

// StagePlan is the ordered work of one stage.
type StagePlan struct {
	Stage        Stage
	Dir          string
	Batch        string
	ScriptConfig *GeneratedFile
	Steps        []Step
}

// Plan is the ordered work of a whole run.
type Plan struct {
	Stages []StagePlan
}

// DatacardOptions carries the values the datacard scripts are called with.
type DatacardOptions struct {
	Input string
	Ext   string
	Year  string
}

// Options is everything Build needs.
type Options struct {
	// FinalFitDir is the absolute root of the FinalFit checkout.
	FinalFitDir string
	Python      string

	Selection Selection
	Skip      SkipList

	SkipVtxSplit     bool
	DoEffAccFromJSON bool
	Prune            bool
	// Syst forces systematics in the datacard stage even when "syst" is skipped.
	Syst bool

	// Configs holds the loaded configuration of each selected stage that
	// needs one.
	Configs  map[Stage]*config.RunConfig
	Datacard DatacardOptions
}

// Build turns options into the plan of stages and sub-steps. Stage
// configurations are validated here.
func Build(opts Options) (*Plan, error) {
	if opts.Selection.Empty() {
		return nil, errors.New("no stage selected (use --sig, --bkg and/or --data)")
	}
	if !filepath.IsAbs(opts.FinalFitDir) {
		return nil, fmt.Errorf("finalfit directory must be absolute (got %q)", opts.FinalFitDir)
	}
	if strings.TrimSpace(opts.Python) == "" {
		opts.Python = "python3"
	}
	if opts.Skip == nil {
		opts.Skip = SkipList{}
	}

	plan := &Plan{}
	for _, stage := range opts.Selection.Stages() {
		var (
			sp  StagePlan
			err error
		)
		switch stage {
		case StageSignal:
			sp, err = buildSignal(opts)
		case StageBackground:
			sp, err = buildBackground(opts)
		case StageDatacard:
			sp, err = buildDatacard(opts)
		default:
			err = fmt.Errorf("unknown stage %q", stage)
		}
		if err != nil {
			return nil, err
		}
		plan.Stages = append(plan.Stages, sp)
	}
	return plan, nil
}

func stageConfig(opts Options, stage Stage) (*config.RunConfig, error) {
	cfg := opts.Configs[stage]
	if cfg == nil {
		return nil, fmt.Errorf("%s stage selected but no configuration was loaded", stage)
	}
	if err := cfg.Validate(string(stage)); err != nil {
		return nil, err
	}
	return cfg, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// scriptConfigArg returns the --inputConfig value for a stage and the file to
// generate, if any.
func scriptConfigArg(stage Stage, dir string, cfg *config.RunConfig) (string, *GeneratedFile) {
	if cfg.ScriptConfig != "" {
		return cfg.ScriptConfig, nil
	}
	name := fmt.Sprintf("finalfit_%s_%s.py", stage, unsafeName.ReplaceAllString(cfg.Ext, "_"))
	return name, &GeneratedFile{
		Path:    filepath.Join(dir, name),
		Content: cfg.RenderScriptConfig(stage.ConfigVar()),
	}
}

func (o Options) command(dir, script string, args ...string) execx.Command {
	return execx.Command{
		Name: o.Python,
		Args: append([]string{script}, args...),
		Dir:  dir,
	}
}

func joinFlags(flags ...string) string {
	var out []string
	for _, f := range flags {
		if f != "" {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

func when(cond bool, flag string) string {
	if cond {
		return flag
	}
	return ""
}

func buildSignal(opts Options) (StagePlan, error) {
	cfg, err := stageConfig(opts, StageSignal)
	if err != nil {
		return StagePlan{}, err
	}
	dir := filepath.Join(opts.FinalFitDir, StageSignal.Dir())
	inputConfig, generated := scriptConfigArg(StageSignal, dir, cfg)

	steps := []Step{
		{
			Name: StepFTest,
			Command: opts.command(dir, "RunSignalScripts.py",
				"--inputConfig", inputConfig, "--mode", "fTest",
				"--modeOpts", joinFlags("--doPlots", when(opts.SkipVtxSplit, "--skipWV"))),
		},
		{
			Name:  StepSyst,
			Await: "fTest",
			Command: opts.command(dir, "RunSignalScripts.py",
				"--inputConfig", inputConfig, "--mode", "calcPhotonSyst"),
		},
		{
			Name:  StepFit,
			Await: "Syst",
			Command: opts.command(dir, "RunSignalScripts.py",
				"--inputConfig", inputConfig, "--mode", "signalFit",
				"--modeOpts", joinFlags(
					when(opts.SkipVtxSplit, "--skipVertexScenarioSplit"),
					"--doPlots",
					when(opts.DoEffAccFromJSON, "--doEffAccFromJson"),
				)),
		},
		{
			Name:  StepPackage,
			Await: "signalFit",
			Command: opts.command(dir, "RunPackager.py",
				"--cats", cfg.Cats,
				"--inputWSDir", cfg.InputWSDir,
				"--ext", cfg.Ext,
				"--batch", "local",
				"--massPoints", cfg.MassPoints,
				"--year", cfg.Year),
		},
	}
	return finishStage(StageSignal, dir, cfg.Batch, generated, steps, opts.Skip), nil
}

func buildBackground(opts Options) (StagePlan, error) {
	cfg, err := stageConfig(opts, StageBackground)
	if err != nil {
		return StagePlan{}, err
	}
	dir := filepath.Join(opts.FinalFitDir, StageBackground.Dir())
	inputConfig, generated := scriptConfigArg(StageBackground, dir, cfg)

	steps := []Step{
		{
			Name: StepFTest,
			Command: opts.command(dir, "RunBackgroundScripts.py",
				"--inputConfig", inputConfig, "--mode", "fTestParallel"),
		},
	}
	return finishStage(StageBackground, dir, cfg.Batch, generated, steps, opts.Skip), nil
}

func buildDatacard(opts Options) (StagePlan, error) {
	dc := opts.Datacard
	var missing []string
	if dc.Input == "" {
		missing = append(missing, "input")
	}
	if dc.Ext == "" {
		missing = append(missing, "ext")
	}
	if dc.Year == "" {
		missing = append(missing, "year")
	}
	if len(missing) > 0 {
		return StagePlan{}, &config.MissingKeyError{Stage: string(StageDatacard), Keys: missing}
	}

	dir := filepath.Join(opts.FinalFitDir, StageDatacard.Dir())
	systematics := when(!opts.Skip.Has(StepSyst) || opts.Syst, "--doSystematics")

	yieldsArgs := []string{
		"--inputWSDirMap", dc.Year + "=" + dc.Input,
		"--cats", "auto",
		"--procs", "auto",
		"--batch", "local",
		"--ext", dc.Ext,
	}
	if systematics != "" {
		yieldsArgs = append(yieldsArgs, systematics)
	}
	yieldsArgs = append(yieldsArgs, "--skipZeroes")

	datacardArgs := []string{"--years", dc.Year, "--ext", dc.Ext}
	if systematics != "" {
		datacardArgs = append(datacardArgs, systematics)
	}
	if opts.Prune {
		datacardArgs = append(datacardArgs, "--prune")
	}

	steps := []Step{
		{Name: StepYields, Command: opts.command(dir, "RunYields.py", yieldsArgs...)},
		{Name: StepDatacard, Command: opts.command(dir, "makeDatacard.py", datacardArgs...)},
	}
	// The datacard scripts run in the foreground.
	return finishStage(StageDatacard, dir, "local", nil, steps, opts.Skip), nil
}

func finishStage(stage Stage, dir, batch string, generated *GeneratedFile, steps []Step, skip SkipList) StagePlan {
	for i := range steps {
		steps[i].Stage = stage
		steps[i].Skip = skip.Has(steps[i].Name)
	}
	return StagePlan{
		Stage:        stage,
		Dir:          dir,
		Batch:        batch,
		ScriptConfig: generated,
		Steps:        steps,
	}
}
