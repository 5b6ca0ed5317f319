package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"finalfit/internal/config"
	"finalfit/internal/pipeline"
	"finalfit/internal/poll"
)

func TestParseRunOptionsDefaults(t *testing.T) {
	o, err := ParseRunOptions([]string{"--sig"})
	if err != nil {
		t.Fatalf("ParseRunOptions: %v", err)
	}
	if o.Input != DefaultInput || o.Ext != DefaultExt || o.Year != DefaultYear {
		t.Fatalf("unexpected defaults: %+v", o)
	}
	if o.SigConfig != DefaultSigConfig || o.DcConfig != DefaultDcConfig {
		t.Fatalf("unexpected config defaults: %q %q", o.SigConfig, o.DcConfig)
	}
	if o.Verbose != slog.LevelInfo {
		t.Fatalf("verbose = %v", o.Verbose)
	}
	if o.IsSet("ext") || !o.IsSet("sig") {
		t.Fatalf("IsSet misreports flags")
	}
}

func TestParseRunOptionsStageOrder(t *testing.T) {
	a, err := ParseRunOptions([]string{"--bkg", "--sig"})
	if err != nil {
		t.Fatalf("ParseRunOptions: %v", err)
	}
	b, err := ParseRunOptions([]string{"--sig", "--bkg"})
	if err != nil {
		t.Fatalf("ParseRunOptions: %v", err)
	}
	if a.Selection.String() != "signal,background" || a.Selection.String() != b.Selection.String() {
		t.Fatalf("selections differ: %q vs %q", a.Selection, b.Selection)
	}
	all, _ := ParseRunOptions([]string{"--data", "--sig", "--bkg", "--sig"})
	if got := all.Selection.Stages(); len(got) != 3 || got[2] != pipeline.StageDatacard {
		t.Fatalf("stages = %v", got)
	}
}

func TestParseRunOptionsSkip(t *testing.T) {
	o, err := ParseRunOptions([]string{"--sig", "--skip", "ftest,syst"})
	if err != nil {
		t.Fatalf("ParseRunOptions: %v", err)
	}
	if !o.Skip.Has("ftest") || !o.Skip.Has("syst") || o.Skip.Has("fit") {
		t.Fatalf("skip = %v", o.Skip)
	}
}

func TestParseRunOptionsInvalid(t *testing.T) {
	cases := [][]string{
		{},
		{"--skip", "ftest"},
		{"--sig", "--skip", "ftest,nope"},
		{"--sig", "--verbose", "LOUD"},
		{"--sig", "extra"},
		{"--sig", "--unknown"},
		{"--sig", "--poll-interval", "soon"},
		{"--sig", "--ext", ""},
	}
	for _, args := range cases {
		_, err := ParseRunOptions(args)
		var inv *InvocationError
		if !errors.As(err, &inv) {
			t.Fatalf("%v: expected *InvocationError, got %v", args, err)
		}
		if ExitCode(err) != ExitInvalidInvocation {
			t.Fatalf("%v: exit code %d", args, ExitCode(err))
		}
	}
}

func TestParseRunOptionsHelp(t *testing.T) {
	if _, err := ParseRunOptions([]string{"-h"}); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
}

func TestApplyProfilePrecedence(t *testing.T) {
	t.Setenv("USER", "fallback")
	verify := true
	prof := config.Profile{
		FinalFitDir:  "/opt/finalfit",
		Python:       "python3.11",
		User:         "bevila_t",
		Remote:       "login.hpc",
		PollInterval: "1m",
		MaxWait:      "2h",
		VerifyJobs:   &verify,
	}

	o, err := ParseRunOptions([]string{"--sig", "--poll-interval", "10s", "--remote", "me@other", "--verify-jobs=false"})
	if err != nil {
		t.Fatalf("ParseRunOptions: %v", err)
	}
	if err := o.ApplyProfile(prof); err != nil {
		t.Fatalf("ApplyProfile: %v", err)
	}
	if o.FinalFitDir != "/opt/finalfit" || o.Python != "python3.11" || o.User != "bevila_t" {
		t.Fatalf("profile values not applied: %+v", o)
	}
	if o.Remote != "me@other" || o.PollInterval != 10*time.Second || o.VerifyJobs {
		t.Fatalf("flags did not win over the profile: %+v", o.PollOptions)
	}
	if o.MaxWait != 2*time.Hour {
		t.Fatalf("max wait = %s", o.MaxWait)
	}

	bare, _ := ParseRunOptions([]string{"--data"})
	if err := bare.ApplyProfile(config.Profile{}); err != nil {
		t.Fatalf("ApplyProfile: %v", err)
	}
	if bare.FinalFitDir != "." || bare.Python != DefaultPython || bare.User != "fallback" {
		t.Fatalf("built-in defaults not applied: %+v", bare)
	}
	if bare.PollInterval != 30*time.Second || bare.MaxWait != poll.DefaultPolicy().Timeout {
		t.Fatalf("poll defaults = %s / %s", bare.PollInterval, bare.MaxWait)
	}
}

func TestApplyProfileBadDuration(t *testing.T) {
	o, _ := ParseRunOptions([]string{"--sig"})
	err := o.ApplyProfile(config.Profile{MaxWait: "forever"})
	if ExitCode(err) != ExitConfigError {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestPollOptionsPolicy(t *testing.T) {
	fixed := PollOptions{PollInterval: 30 * time.Second, MaxPollInterval: 30 * time.Second, MaxWait: time.Hour}
	if p := fixed.Policy(); p.Backoff != 1 || p.Timeout != time.Hour || p.Validate() != nil {
		t.Fatalf("fixed policy = %+v", p)
	}
	backoff := PollOptions{PollInterval: 30 * time.Second, MaxPollInterval: 5 * time.Minute}
	if p := backoff.Policy(); p.Backoff <= 1 || p.MaxInterval != 5*time.Minute || p.Timeout != 0 {
		t.Fatalf("backoff policy = %+v", p)
	}
}

func TestParseWaitOptions(t *testing.T) {
	o, err := ParseWaitOptions([]string{"--job", "fTest", "--job", "Syst,signalFit", "--user", "u"})
	if err != nil {
		t.Fatalf("ParseWaitOptions: %v", err)
	}
	if strings.Join(o.Jobs, ",") != "fTest,Syst,signalFit" || o.User != "u" {
		t.Fatalf("unexpected options %+v", o)
	}
	if _, err := ParseWaitOptions(nil); ExitCode(err) != ExitInvalidInvocation {
		t.Fatalf("expected invocation error without --job, got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{&InvocationError{Message: "x"}, ExitInvalidInvocation},
		{&config.MissingKeyError{Stage: "signal", Keys: []string{"ext"}}, ExitConfigError},
		{&pipeline.StepError{Stage: pipeline.StageSignal, Step: "fit", ExitCode: 1}, ExitStepFailure},
		{&pipeline.WaitError{Token: "fTest", Err: &poll.TimeoutError{}}, ExitPollTimeout},
		{&pipeline.JobsFailedError{Token: "fTest"}, ExitStepFailure},
		{fmt.Errorf("run: %w", context.Canceled), ExitInterrupted},
		{errors.New("disk on fire"), ExitInternalError},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.err); got != tc.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
