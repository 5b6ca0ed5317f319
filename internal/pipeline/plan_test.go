package pipeline

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"finalfit/internal/config"
)

func signalConfig() *config.RunConfig {
	return &config.RunConfig{
		InputWSDir: "/eos/ws/2017",
		Procs:      "ggh,vbf",
		Cats:       "cat0,cat1",
		Ext:        "hpc_2017",
		Analysis:   "hpc",
		Year:       "2017",
		MassPoints: "120,125,130",
		Batch:      "slurm",
		Queue:      "short",
	}
}

func backgroundConfig() *config.RunConfig {
	return &config.RunConfig{
		InputWSDir: "/eos/ws/data",
		Cats:       "cat0,cat1",
		Ext:        "hpc_2017",
		Year:       "2017",
		Batch:      "slurm",
	}
}

func baseOptions(stages ...Stage) Options {
	return Options{
		FinalFitDir: "/opt/finalfit",
		Python:      "python3",
		Selection:   NewSelection(stages...),
		Skip:        SkipList{},
		Configs: map[Stage]*config.RunConfig{
			StageSignal:     signalConfig(),
			StageBackground: backgroundConfig(),
		},
		Datacard: DatacardOptions{Input: "/eos/ws/2017", Ext: "test_hdna", Year: "2017"},
	}
}

func stepCommands(sp StagePlan) map[string]string {
	out := make(map[string]string)
	for _, s := range sp.Steps {
		out[s.Name] = strings.Join(s.Command.Args, " ")
	}
	return out
}

func TestBuildStageOrderIgnoresFlagOrder(t *testing.T) {
	a, err := Build(baseOptions(StageBackground, StageSignal))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b, err := Build(baseOptions(StageSignal, StageBackground))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(a.Stages) != 2 || a.Stages[0].Stage != StageSignal || a.Stages[1].Stage != StageBackground {
		t.Fatalf("unexpected stage order %+v", a.Stages)
	}
	for i := range a.Stages {
		if a.Stages[i].Stage != b.Stages[i].Stage {
			t.Fatalf("stage order depends on selection order")
		}
	}
}

func TestBuildSignalCommands(t *testing.T) {
	opts := baseOptions(StageSignal)
	opts.SkipVtxSplit = true
	opts.DoEffAccFromJSON = true

	plan, err := Build(opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sp := plan.Stages[0]
	if sp.Dir != filepath.Join("/opt/finalfit", "Signal") || sp.Batch != "slurm" {
		t.Fatalf("unexpected stage %+v", sp)
	}
	if sp.ScriptConfig == nil || filepath.Dir(sp.ScriptConfig.Path) != sp.Dir {
		t.Fatalf("expected a script configuration in the stage dir, got %+v", sp.ScriptConfig)
	}
	if !strings.Contains(string(sp.ScriptConfig.Content), "signalScriptCfg = {") {
		t.Fatalf("rendered configuration lacks the variable:\n%s", sp.ScriptConfig.Content)
	}

	cfgName := filepath.Base(sp.ScriptConfig.Path)
	want := map[string]string{
		StepFTest:   "RunSignalScripts.py --inputConfig " + cfgName + " --mode fTest --modeOpts --doPlots --skipWV",
		StepSyst:    "RunSignalScripts.py --inputConfig " + cfgName + " --mode calcPhotonSyst",
		StepFit:     "RunSignalScripts.py --inputConfig " + cfgName + " --mode signalFit --modeOpts --skipVertexScenarioSplit --doPlots --doEffAccFromJson",
		StepPackage: "RunPackager.py --cats cat0,cat1 --inputWSDir /eos/ws/2017 --ext hpc_2017 --batch local --massPoints 120,125,130 --year 2017",
	}
	got := stepCommands(sp)
	for name, w := range want {
		if got[name] != w {
			t.Errorf("%s:\n got %q\nwant %q", name, got[name], w)
		}
	}

	awaits := map[string]string{}
	for _, s := range sp.Steps {
		awaits[s.Name] = s.Await
		if s.Command.Dir != sp.Dir || s.Command.Name != "python3" {
			t.Fatalf("step %s has command %+v", s.Name, s.Command)
		}
	}
	if awaits[StepFTest] != "" || awaits[StepSyst] != "fTest" || awaits[StepFit] != "Syst" || awaits[StepPackage] != "signalFit" {
		t.Fatalf("unexpected await tokens %v", awaits)
	}
}

func TestBuildSignalModeOptsDefaults(t *testing.T) {
	plan, err := Build(baseOptions(StageSignal))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, s := range plan.Stages[0].Steps {
		if s.Name == StepFTest || s.Name == StepFit {
			last := s.Command.Args[len(s.Command.Args)-1]
			if last != "--doPlots" {
				t.Fatalf("%s modeOpts = %q, want --doPlots", s.Name, last)
			}
		}
	}
}

func TestBuildUsesExistingScriptConfig(t *testing.T) {
	opts := baseOptions(StageBackground)
	opts.Configs[StageBackground].ScriptConfig = "config_hpc.py"
	plan, err := Build(opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sp := plan.Stages[0]
	if sp.ScriptConfig != nil {
		t.Fatalf("expected no generated file, got %s", sp.ScriptConfig.Path)
	}
	if got := strings.Join(sp.Steps[0].Command.Args, " "); got != "RunBackgroundScripts.py --inputConfig config_hpc.py --mode fTestParallel" {
		t.Fatalf("background command = %q", got)
	}
}

func TestBuildSkipList(t *testing.T) {
	opts := baseOptions(StageSignal)
	skip, err := ParseSkipList("ftest, SYST")
	if err != nil {
		t.Fatalf("ParseSkipList: %v", err)
	}
	opts.Skip = skip
	plan, err := Build(opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var run []string
	for _, s := range plan.Stages[0].Steps {
		if !s.Skip {
			run = append(run, s.Name)
		}
	}
	if strings.Join(run, ",") != "fit,package" {
		t.Fatalf("steps to run = %v, want fit,package", run)
	}
}

func TestBuildDatacardSystematics(t *testing.T) {
	cases := []struct {
		name     string
		skip     string
		syst     bool
		prune    bool
		yields   string
		datacard string
	}{
		{
			name:     "default",
			yields:   "RunYields.py --inputWSDirMap 2017=/eos/ws/2017 --cats auto --procs auto --batch local --ext test_hdna --doSystematics --skipZeroes",
			datacard: "makeDatacard.py --years 2017 --ext test_hdna --doSystematics",
		},
		{
			name:     "syst skipped",
			skip:     "syst",
			prune:    true,
			yields:   "RunYields.py --inputWSDirMap 2017=/eos/ws/2017 --cats auto --procs auto --batch local --ext test_hdna --skipZeroes",
			datacard: "makeDatacard.py --years 2017 --ext test_hdna --prune",
		},
		{
			name:     "syst forced",
			skip:     "syst",
			syst:     true,
			yields:   "RunYields.py --inputWSDirMap 2017=/eos/ws/2017 --cats auto --procs auto --batch local --ext test_hdna --doSystematics --skipZeroes",
			datacard: "makeDatacard.py --years 2017 --ext test_hdna --doSystematics",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := baseOptions(StageDatacard)
			opts.Skip, _ = ParseSkipList(tc.skip)
			opts.Syst = tc.syst
			opts.Prune = tc.prune
			plan, err := Build(opts)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			sp := plan.Stages[0]
			if sp.Batch != "local" || sp.ScriptConfig != nil {
				t.Fatalf("unexpected datacard stage %+v", sp)
			}
			got := stepCommands(sp)
			if got[StepYields] != tc.yields {
				t.Errorf("yields:\n got %q\nwant %q", got[StepYields], tc.yields)
			}
			if got[StepDatacard] != tc.datacard {
				t.Errorf("datacard:\n got %q\nwant %q", got[StepDatacard], tc.datacard)
			}
		})
	}
}

func TestBuildErrors(t *testing.T) {
	t.Run("empty selection", func(t *testing.T) {
		if _, err := Build(baseOptions()); err == nil {
			t.Fatalf("expected error")
		}
	})
	t.Run("relative dir", func(t *testing.T) {
		opts := baseOptions(StageSignal)
		opts.FinalFitDir = "finalfit"
		if _, err := Build(opts); err == nil {
			t.Fatalf("expected error")
		}
	})
	t.Run("missing config", func(t *testing.T) {
		opts := baseOptions(StageSignal)
		delete(opts.Configs, StageSignal)
		if _, err := Build(opts); err == nil {
			t.Fatalf("expected error")
		}
	})
	t.Run("missing key", func(t *testing.T) {
		opts := baseOptions(StageSignal)
		opts.Configs[StageSignal].MassPoints = ""
		_, err := Build(opts)
		if !errors.Is(err, config.ErrMissingKey) || !strings.Contains(err.Error(), "massPoints") {
			t.Fatalf("expected missing massPoints, got %v", err)
		}
	})
	t.Run("datacard without year", func(t *testing.T) {
		opts := baseOptions(StageDatacard)
		opts.Datacard.Year = ""
		if _, err := Build(opts); !errors.Is(err, config.ErrMissingKey) {
			t.Fatalf("expected missing key, got %v", err)
		}
	})
}

func TestParseSkipListRejectsUnknown(t *testing.T) {
	if _, err := ParseSkipList("ftest,bogus"); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown step error, got %v", err)
	}
	skip, err := ParseSkipList(" , ")
	if err != nil || len(skip) != 0 {
		t.Fatalf("empty list = %v, %v", skip, err)
	}
}
