package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"finalfit/internal/cli"
	"finalfit/internal/ledger"
)

func openLedger(ctx context.Context, dsn, profile string) (*ledger.Ledger, error) {
	if dsn == "" {
		prof, err := resolveProfile(profile)
		if err != nil {
			return nil, err
		}
		dsn = prof.Ledger
	}
	led, err := ledger.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return led, nil
}

func parseLedgerFlags(name, usage string, args []string, extra func(fs *flag.FlagSet)) (*flag.FlagSet, string, string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var dsn, profile string
	fs.StringVar(&dsn, "ledger", "", "Run ledger: sqlite path or postgres:// DSN")
	fs.StringVar(&profile, "profile", "", "Profile from the user configuration to use as defaults")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stdout, usage)
			fs.SetOutput(os.Stdout)
			fs.PrintDefaults()
			return nil, "", "", err
		}
		return nil, "", "", &cli.InvocationError{ExitCode: cli.ExitInvalidInvocation, Message: err.Error()}
	}
	return fs, dsn, profile, nil
}

// finalfit list [--limit N]
func cmdList(ctx context.Context, args []string) error {
	var limit int
	fs, dsn, profile, err := parseLedgerFlags("list", "Usage: finalfit list [--limit N]", args, func(fs *flag.FlagSet) {
		fs.IntVar(&limit, "limit", 20, "Show at most N runs (0 for all)")
	})
	if err != nil {
		if helpRequested(err) {
			return nil
		}
		return err
	}
	if fs.NArg() != 0 {
		return &cli.InvocationError{ExitCode: cli.ExitInvalidInvocation, Message: "list takes no arguments"}
	}

	led, err := openLedger(ctx, dsn, profile)
	if err != nil {
		return err
	}
	defer led.Close()

	runs, err := led.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	printRuns(os.Stdout, runs, time.Now())
	return nil
}

func printRuns(w io.Writer, runs []ledger.Run, now time.Time) {
	fmt.Fprintf(w, "%-8s %-28s %-12s %-16s %-10s\n", "ID", "STAGES", "STATUS", "STARTED", "DURATION")
	for _, r := range runs {
		started := "(unknown)"
		if !r.CreatedAt.IsZero() {
			started = humanize.RelTime(r.CreatedAt, now, "ago", "from now")
		}
		duration := "-"
		if !r.CompletedAt.IsZero() && !r.CreatedAt.IsZero() {
			duration = r.CompletedAt.Sub(r.CreatedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%-8s %-28s %-12s %-16s %-10s\n", shortID(r.ID), r.Stages, r.Status, started, duration)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// finalfit show <id-prefix>
func cmdShow(ctx context.Context, args []string) error {
	fs, dsn, profile, err := parseLedgerFlags("show", "Usage: finalfit show <id>", args, nil)
	if err != nil {
		if helpRequested(err) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		return &cli.InvocationError{ExitCode: cli.ExitInvalidInvocation, Message: "show needs exactly one run id"}
	}

	led, err := openLedger(ctx, dsn, profile)
	if err != nil {
		return err
	}
	defer led.Close()

	run, err := led.LoadRun(ctx, fs.Arg(0))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrAmbiguous) {
			return &cli.InvocationError{ExitCode: cli.ExitInvalidInvocation, Message: err.Error()}
		}
		return err
	}
	printRun(os.Stdout, run, time.Now())
	return nil
}

func printRun(w io.Writer, run *ledger.Run, now time.Time) {
	fmt.Fprintf(w, "Run %s\n", run.ID)
	fmt.Fprintln(w, "-------------")
	fmt.Fprintf(w, "Stages:      %s\n", run.Stages)
	if run.Skip != "" {
		fmt.Fprintf(w, "Skipped:     %s\n", run.Skip)
	}
	fmt.Fprintf(w, "Status:      %s\n", run.Status)
	fmt.Fprintf(w, "FinalFit:    %s\n", run.FinalFitDir)
	fmt.Fprintf(w, "Args:        %s\n", run.Args)
	fmt.Fprintf(w, "Git commit:  %s\n", run.GitCommit)
	fmt.Fprintf(w, "Git branch:  %s\n", run.GitBranch)
	if !run.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Started:     %s (%s)\n", run.CreatedAt.Local().Format(time.RFC3339), humanize.RelTime(run.CreatedAt, now, "ago", "from now"))
	} else {
		fmt.Fprintf(w, "Started:     (unknown)\n")
	}
	if !run.CompletedAt.IsZero() {
		fmt.Fprintf(w, "Completed:   %s\n", run.CompletedAt.Local().Format(time.RFC3339))
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", run.Error)
	}
	if run.Archive != "" {
		fmt.Fprintf(w, "Archive:     %s\n", run.Archive)
	}

	if len(run.Steps) > 0 {
		fmt.Fprintln(w, "Steps:")
		for _, s := range run.Steps {
			exit := "-"
			if s.ExitCode != nil {
				exit = fmt.Sprintf("%d", *s.ExitCode)
			}
			took := ""
			if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
				took = s.FinishedAt.Sub(s.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(w, "  %2d %-10s %-9s %-10s exit=%-4s %s\n", s.Position, s.Stage, s.Name, s.Status, exit, took)
			if s.Command != "" {
				fmt.Fprintf(w, "     $ %s\n", s.Command)
			}
			if s.LogPath != "" {
				size := "missing"
				if info, err := os.Stat(s.LogPath); err == nil {
					size = humanize.Bytes(uint64(info.Size()))
				}
				fmt.Fprintf(w, "     log: %s (%s)\n", s.LogPath, size)
			}
			if s.Error != "" {
				fmt.Fprintf(w, "     error: %s\n", s.Error)
			}
		}
	}

	if run.ConfigSnapshot != "" {
		fmt.Fprintln(w, "Config snapshot:")
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, []byte(run.ConfigSnapshot), "  ", "  "); err == nil {
			fmt.Fprintln(w, "  "+pretty.String())
		} else {
			fmt.Fprintln(w, run.ConfigSnapshot)
		}
	}
}
