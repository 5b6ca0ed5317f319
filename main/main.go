package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"finalfit/internal/cli"
	"finalfit/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := dispatch(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "finalfit: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}

func dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage(os.Stdout)
		return nil
	}

	cmd, rest := args[0], args[1:]
	// Bare flags run the pipeline: `finalfit --sig --bkg`.
	if strings.HasPrefix(cmd, "-") && cmd != "-h" && cmd != "--help" && cmd != "-help" {
		cmd, rest = "run", args
	}

	switch cmd {
	case "run":
		return cmdRun(ctx, rest)
	case "wait":
		return cmdWait(ctx, rest)
	case "list":
		return cmdList(ctx, rest)
	case "show":
		return cmdShow(ctx, rest)
	case "help", "-h", "--help", "-help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return &cli.InvocationError{ExitCode: cli.ExitInvalidInvocation, Message: fmt.Sprintf("unknown command: %s", cmd)}
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage:
  finalfit run  [--sig] [--bkg] [--data] [flags]
  finalfit wait --job TOKEN [flags]
  finalfit list [--limit N]
  finalfit show <id>

Commands:
  run   Run the selected FinalFit stages, waiting on Slurm between dependent sub-steps.
  wait  Block until no Slurm job matching the token is queued or running.
  list  List recorded runs, newest first.
  show  Show one run and its sub-steps by ID prefix.

 Examples:
  finalfit run --sig --bkg --finalfit-dir ~/flashggFinalFit --sig_config config_2017.yaml

  finalfit --sig --skip ftest,syst --ext hpc_2017

  finalfit run --data --input /eos/ws/2017 --year 2017 --prune

  finalfit wait --job fTest --user bevila_t --max-wait 12h

  finalfit show 4b1d

 Notes:
  - Stages always run in the order signal, background, datacard.
  - --skip takes: ftest, syst, fit, package, yields, datacard.
  - Stage configs are YAML or JSON; relative paths resolve inside Signal/, Background/ and Datacard/.
  - Define defaults and profiles in ~/.finalfit/config.(yaml|json), then pass --profile NAME.
  - Runs are recorded in ~/.finalfit/runs.db unless --no-ledger; --ledger postgres://... shares one ledger.
  - --archive s3://bucket/prefix uploads step logs using FINALFIT_S3_ENDPOINT, FINALFIT_S3_ACCESS_KEY and FINALFIT_S3_SECRET_KEY.`)
}

// newLogger writes text to a terminal and JSON otherwise.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// resolveProfile merges the named profile, the defaults section and the
// FINALFIT_* environment, in that order of precedence.
func resolveProfile(name string) (config.Profile, error) {
	userCfg, err := config.LoadUserConfig()
	if err != nil {
		return config.Profile{}, err
	}
	prof, err := userCfg.Resolve(name)
	if err != nil {
		return config.Profile{}, &config.FileError{Path: userCfg.Path(), Err: err}
	}
	envProf, err := config.Env()
	if err != nil {
		return config.Profile{}, err
	}
	prof.Merge(envProf)
	return prof, nil
}

func helpRequested(err error) bool {
	return errors.Is(err, flag.ErrHelp)
}
