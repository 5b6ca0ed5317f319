// Package cli parses the finalfit command lines into option structs.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"finalfit/internal/config"
	"finalfit/internal/pipeline"
	"finalfit/internal/poll"
)

const (
	DefaultInput     = "higgs_dna_signals_2017_cats"
	DefaultSigConfig = "config_hdna_2017.yaml"
	DefaultBkgConfig = "config_hdna_2017.yaml"
	DefaultDcConfig  = "config_hdna.yaml"
	DefaultExt       = "test_hdna"
	DefaultYear      = "2017"
	DefaultPython    = "python3"
)

// PollOptions are shared by every command that waits on the scheduler.
type PollOptions struct {
	User            string
	Remote          string
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MaxWait         time.Duration
	VerifyJobs      bool

	pollIntervalFlag    durationFlag
	maxPollIntervalFlag durationFlag
	maxWaitFlag         durationFlag
	verifyJobsFlag      boolFlag
}

func (p *PollOptions) register(fs *flag.FlagSet) {
	fs.StringVar(&p.User, "user", "", "Scheduler user whose jobs are polled (default $USER)")
	fs.StringVar(&p.Remote, "remote", "", "Query the scheduler on user@host over ssh")
	p.pollIntervalFlag = durationFlag{value: poll.DefaultPolicy().Interval}
	fs.Var(&p.pollIntervalFlag, "poll-interval", "How frequently to poll job status (e.g. 45s, 2m)")
	p.maxPollIntervalFlag = durationFlag{value: poll.DefaultPolicy().Interval}
	fs.Var(&p.maxPollIntervalFlag, "max-poll-interval", "Back off between polls up to this interval")
	p.maxWaitFlag = durationFlag{value: poll.DefaultPolicy().Timeout}
	fs.Var(&p.maxWaitFlag, "max-wait", "Give up waiting for jobs after this long (0 waits forever)")
	fs.Var(&p.verifyJobsFlag, "verify-jobs", "Fail when accounting reports awaited jobs as failed")
}

// Policy returns the poll policy the options describe.
func (p *PollOptions) Policy() poll.Policy {
	policy := poll.DefaultPolicy()
	policy.Interval = p.PollInterval
	policy.Timeout = p.MaxWait
	policy.MaxInterval = p.MaxPollInterval
	if policy.MaxInterval > policy.Interval {
		policy.Backoff = 2
	} else {
		policy.MaxInterval = 0
	}
	return policy
}

func (p *PollOptions) apply(prof config.Profile) error {
	if p.User == "" {
		p.User = prof.User
	}
	if p.Remote == "" {
		p.Remote = prof.Remote
	}
	durations := []struct {
		key  string
		flag *durationFlag
		val  string
		dst  *time.Duration
	}{
		{"poll_interval", &p.pollIntervalFlag, prof.PollInterval, &p.PollInterval},
		{"max_poll_interval", &p.maxPollIntervalFlag, prof.MaxPollInterval, &p.MaxPollInterval},
		{"max_wait", &p.maxWaitFlag, prof.MaxWait, &p.MaxWait},
	}
	for _, d := range durations {
		*d.dst = d.flag.value
		if d.flag.set || d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return &config.FileError{Err: fmt.Errorf("invalid %s %q: %w", d.key, d.val, err)}
		}
		*d.dst = v
	}
	p.VerifyJobs = p.verifyJobsFlag.value
	if !p.verifyJobsFlag.set && prof.VerifyJobs != nil {
		p.VerifyJobs = *prof.VerifyJobs
	}
	if p.User == "" {
		p.User = os.Getenv("USER")
	}
	if p.MaxPollInterval < p.PollInterval {
		p.MaxPollInterval = p.PollInterval
	}
	if err := p.Policy().Validate(); err != nil {
		return invalidInvocationf("%v", err)
	}
	return nil
}

// RunOptions is the parsed form of `finalfit run`.
type RunOptions struct {
	Input     string
	Selection pipeline.Selection
	Skip      pipeline.SkipList

	SkipVtxSplit     bool
	DoEffAccFromJSON bool
	Prune            bool
	Syst             bool

	SigConfig string
	BkgConfig string
	DcConfig  string
	Ext       string
	Year      string
	Verbose   slog.Level

	FinalFitDir string
	Python      string
	DryRun      bool
	Ledger      string
	NoLedger    bool
	Profile     string
	Archive     string

	PollOptions

	set map[string]bool
}

// IsSet reports whether the named flag was given on the command line.
func (o *RunOptions) IsSet(name string) bool { return o.set[name] }

func newRunFlagSet(o *RunOptions, sig, bkg, data *bool, skip, verbose *string) *flag.FlagSet {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&o.Input, "input", DefaultInput, "Input workspace directory for the datacard stage")
	fs.BoolVar(sig, "sig", false, "Run the signal stage")
	fs.BoolVar(bkg, "bkg", false, "Run the background stage")
	fs.BoolVar(data, "data", false, "Run the datacard stage")
	fs.StringVar(skip, "skip", "", "Comma-separated sub-steps to skip ("+strings.Join(pipeline.KnownSteps(), ",")+")")
	fs.BoolVar(&o.SkipVtxSplit, "skip_vtx_split", false, "Skip the vertex scenario split in the signal fits")
	fs.BoolVar(&o.DoEffAccFromJSON, "doEffAccFromJson", false, "Take efficiency x acceptance from JSON in the signal fit")
	fs.BoolVar(&o.Prune, "prune", false, "Prune the datacard")
	fs.StringVar(&o.SigConfig, "sig_config", DefaultSigConfig, "Signal stage configuration (relative paths resolve in Signal/)")
	fs.StringVar(&o.BkgConfig, "bkg_config", DefaultBkgConfig, "Background stage configuration (relative paths resolve in Background/)")
	fs.StringVar(&o.DcConfig, "dc_config", DefaultDcConfig, "Datacard stage configuration (relative paths resolve in Datacard/)")
	fs.BoolVar(&o.Syst, "syst", false, "Include systematics in the datacard even when syst is skipped")
	fs.StringVar(&o.Ext, "ext", DefaultExt, "Extension used to tag the datacard outputs")
	fs.StringVar(verbose, "verbose", "INFO", "Log level: DEBUG, INFO, WARN or ERROR")
	fs.StringVar(&o.Year, "year", DefaultYear, "Data-taking year")

	fs.StringVar(&o.FinalFitDir, "finalfit-dir", "", "Root of the FinalFit checkout (default .)")
	fs.StringVar(&o.Python, "python", "", "Python interpreter for the FinalFit scripts (default python3)")
	fs.BoolVar(&o.DryRun, "dry-run", false, "Print the commands without running them")
	fs.StringVar(&o.Ledger, "ledger", "", "Run ledger: sqlite path or postgres:// DSN")
	fs.BoolVar(&o.NoLedger, "no-ledger", false, "Do not record the run")
	fs.StringVar(&o.Profile, "profile", "", "Profile from the user configuration to use as defaults")
	fs.StringVar(&o.Archive, "archive", "", "Upload step logs to s3://bucket/prefix after the run")
	o.PollOptions.register(fs)
	return fs
}

// ParseRunOptions parses `finalfit run` flags. Stage flags compose
// additively and the resulting order is always signal, background, datacard.
func ParseRunOptions(args []string) (RunOptions, error) {
	var (
		o              RunOptions
		sig, bkg, data bool
		skip, verbose  string
	)
	fs := newRunFlagSet(&o, &sig, &bkg, &data, &skip, &verbose)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return RunOptions{}, err
		}
		return RunOptions{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return RunOptions{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}
	o.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })

	var stages []pipeline.Stage
	if sig {
		stages = append(stages, pipeline.StageSignal)
	}
	if bkg {
		stages = append(stages, pipeline.StageBackground)
	}
	if data {
		stages = append(stages, pipeline.StageDatacard)
	}
	o.Selection = pipeline.NewSelection(stages...)
	if o.Selection.Empty() {
		return RunOptions{}, invalidInvocationf("no stage selected: pass at least one of --sig, --bkg, --data")
	}

	var err error
	if o.Skip, err = pipeline.ParseSkipList(skip); err != nil {
		return RunOptions{}, invalidInvocationf("--skip: %v", err)
	}
	if o.Verbose, err = ParseLevel(verbose); err != nil {
		return RunOptions{}, err
	}
	for _, f := range []struct{ name, val string }{
		{"ext", o.Ext}, {"year", o.Year}, {"sig_config", o.SigConfig}, {"bkg_config", o.BkgConfig},
	} {
		if strings.TrimSpace(f.val) == "" {
			return RunOptions{}, invalidInvocationf("--%s must not be empty", f.name)
		}
	}
	return o, nil
}

// ApplyProfile fills every option not given on the command line from prof,
// then from the built-in defaults.
func (o *RunOptions) ApplyProfile(prof config.Profile) error {
	if o.FinalFitDir == "" {
		o.FinalFitDir = prof.FinalFitDir
	}
	if o.FinalFitDir == "" {
		o.FinalFitDir = "."
	}
	if o.Python == "" {
		o.Python = prof.Python
	}
	if o.Python == "" {
		o.Python = DefaultPython
	}
	if o.Ledger == "" {
		o.Ledger = prof.Ledger
	}
	if o.Archive == "" {
		o.Archive = prof.Archive
	}
	return o.PollOptions.apply(prof)
}

// PrintRunUsage writes the run flags to w.
func PrintRunUsage(w io.Writer) {
	var (
		o              RunOptions
		sig, bkg, data bool
		skip, verbose  string
	)
	fs := newRunFlagSet(&o, &sig, &bkg, &data, &skip, &verbose)
	fs.SetOutput(w)
	fmt.Fprintln(w, "Usage: finalfit run [--sig] [--bkg] [--data] [flags]")
	fs.PrintDefaults()
}

// WaitOptions is the parsed form of `finalfit wait`.
type WaitOptions struct {
	Jobs    []string
	Profile string
	Verbose slog.Level
	PollOptions
}

func newWaitFlagSet(o *WaitOptions, jobs *multiStringFlag, verbose *string) *flag.FlagSet {
	fs := flag.NewFlagSet("wait", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Var(jobs, "job", "Job-name token to wait for; may be repeated")
	fs.StringVar(&o.Profile, "profile", "", "Profile from the user configuration to use as defaults")
	fs.StringVar(verbose, "verbose", "INFO", "Log level: DEBUG, INFO, WARN or ERROR")
	o.PollOptions.register(fs)
	return fs
}

// ParseWaitOptions parses `finalfit wait` flags.
func ParseWaitOptions(args []string) (WaitOptions, error) {
	var (
		o       WaitOptions
		jobs    multiStringFlag
		verbose string
	)
	fs := newWaitFlagSet(&o, &jobs, &verbose)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return WaitOptions{}, err
		}
		return WaitOptions{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return WaitOptions{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}
	o.Jobs = jobs.Values()
	if len(o.Jobs) == 0 {
		return WaitOptions{}, invalidInvocationf("--job is required")
	}
	var err error
	if o.Verbose, err = ParseLevel(verbose); err != nil {
		return WaitOptions{}, err
	}
	return o, nil
}

// ApplyProfile fills the poll options not given on the command line.
func (o *WaitOptions) ApplyProfile(prof config.Profile) error {
	return o.PollOptions.apply(prof)
}

// PrintWaitUsage writes the wait flags to w.
func PrintWaitUsage(w io.Writer) {
	var (
		o       WaitOptions
		jobs    multiStringFlag
		verbose string
	)
	fs := newWaitFlagSet(&o, &jobs, &verbose)
	fs.SetOutput(w)
	fmt.Fprintln(w, "Usage: finalfit wait --job TOKEN [--job TOKEN...] [flags]")
	fs.PrintDefaults()
}

// ParseLevel accepts the --verbose values.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, invalidInvocationf("invalid --verbose %q (expected DEBUG, INFO, WARN or ERROR)", s)
	}
	return level, nil
}
