package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// Stage is one top-level phase of the FinalFit pipeline.
type Stage string

const (
	StageSignal     Stage = "signal"
	StageBackground Stage = "background"
	StageDatacard   Stage = "datacard"
)

// stageOrder is the order stages always run in.
var stageOrder = []Stage{StageSignal, StageBackground, StageDatacard}

// Dir is the stage's directory inside the FinalFit checkout.
func (s Stage) Dir() string {
	switch s {
	case StageSignal:
		return "Signal"
	case StageBackground:
		return "Background"
	case StageDatacard:
		return "Datacard"
	default:
		return string(s)
	}
}

// ConfigVar is the variable name the stage's scripts import their
// configuration dictionary under.
func (s Stage) ConfigVar() string {
	return string(s) + "ScriptCfg"
}

// Sub-step names accepted by --skip.
const (
	StepFTest    = "ftest"
	StepSyst     = "syst"
	StepFit      = "fit"
	StepPackage  = "package"
	StepYields   = "yields"
	StepDatacard = "datacard"
)

// KnownSteps lists every sub-step name that can be skipped.
func KnownSteps() []string {
	return []string{StepFTest, StepSyst, StepFit, StepPackage, StepYields, StepDatacard}
}

// Selection is the immutable set of enabled stages.
type Selection struct {
	enabled map[Stage]bool
}

func NewSelection(stages ...Stage) Selection {
	sel := Selection{enabled: make(map[Stage]bool, len(stages))}
	for _, s := range stages {
		sel.enabled[s] = true
	}
	return sel
}

func (s Selection) Has(stage Stage) bool { return s.enabled[stage] }

func (s Selection) Empty() bool { return len(s.Stages()) == 0 }

// Stages returns the enabled stages in execution order.
func (s Selection) Stages() []Stage {
	var out []Stage
	for _, st := range stageOrder {
		if s.enabled[st] {
			out = append(out, st)
		}
	}
	return out
}

func (s Selection) String() string {
	parts := make([]string, 0, 3)
	for _, st := range s.Stages() {
		parts = append(parts, string(st))
	}
	return strings.Join(parts, ",")
}

// SkipList is the set of sub-step names to leave out.
type SkipList map[string]struct{}

// ParseSkipList parses a comma-separated list of sub-step names.
func ParseSkipList(raw string) (SkipList, error) {
	known := make(map[string]bool)
	for _, s := range KnownSteps() {
		known[s] = true
	}
	skip := SkipList{}
	var unknown []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if !known[name] {
			unknown = append(unknown, name)
			continue
		}
		skip[name] = struct{}{}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown sub-step(s) in skip list: %s (known: %s)",
			strings.Join(unknown, ", "), strings.Join(KnownSteps(), ", "))
	}
	return skip, nil
}

func (s SkipList) Has(step string) bool {
	_, ok := s[step]
	return ok
}

func (s SkipList) String() string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
