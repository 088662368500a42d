package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"matrixci/internal/core"
	"matrixci/internal/history"
	"matrixci/internal/security"
	"matrixci/pkg/utils"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  matrixci validate <pipeline.yaml>")
	fmt.Fprintln(os.Stderr, "  matrixci plan <pipeline.yaml>")
	fmt.Fprintln(os.Stderr, "  matrixci run <pipeline.yaml> [--event type] [--branch name] [--logs dir] [--journal file] [--keys dir]")
	fmt.Fprintln(os.Stderr, "  matrixci journal <inspect|verify> <journal.jsonl>")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "validate":
		cmdValidate(os.Args[2:])
	case "plan":
		cmdPlan(os.Args[2:])
	case "run":
		cmdRun(os.Args[2:])
	case "journal":
		cmdJournal(os.Args[2:])
	default:
		usage()
	}
}

func cmdValidate(args []string) {
	if len(args) != 1 {
		usage()
	}
	pipeline, err := core.LoadPipeline(args[0])
	if err != nil {
		fatal("invalid pipeline: %v", err)
	}
	fmt.Printf("%s: ok (%d matrix entries, %d steps)\n", pipeline.Name, len(pipeline.Matrix), len(pipeline.Steps))
}

func cmdPlan(args []string) {
	if len(args) != 1 {
		usage()
	}
	pipeline, err := core.LoadPipeline(args[0])
	if err != nil {
		fatal("invalid pipeline: %v", err)
	}

	for _, entryPlan := range core.Plan(pipeline) {
		fmt.Printf("%s:\n", entryPlan.Entry)
		for _, decision := range entryPlan.Decisions {
			mark := "skip"
			if decision.Eligible {
				mark = "run "
			}
			fatality := "fatal"
			if !decision.Fatal {
				fatality = "non-fatal"
			}
			fmt.Printf("  [%s] %-30s %s, %s\n", mark, decision.Step, decision.Phase, fatality)
		}
	}
}

func cmdRun(args []string) {
	flags := pflag.NewFlagSet("run", pflag.ExitOnError)
	eventType := flags.String("event", "manual", "event type: push, pull_request, schedule, manual")
	branch := flags.String("branch", "", "branch for push/pull_request events")
	logDir := flags.String("logs", "./logs", "directory for step logs")
	journalLoc := flags.String("journal", "", "run journal file, empty disables the journal")
	keyDir := flags.String("keys", "./keys", "directory for the journal signing keypair")
	_ = flags.Parse(args)

	if flags.NArg() != 1 {
		usage()
	}
	path := flags.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		fatal("cannot read %s: %v", path, err)
	}
	pipeline, err := core.ParsePipeline(data)
	if err != nil {
		fatal("invalid pipeline: %v", err)
	}

	event := core.Event{
		Type:   core.EventType(*eventType),
		Branch: *branch,
		Time:   time.Now().UTC(),
	}
	if !pipeline.ShouldRun(event) {
		fmt.Printf("%s: trigger set does not match %s event, not running\n", pipeline.Name, event.Type)
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	runner := core.NewRunner(*logDir, logger)
	if *journalLoc != "" {
		journal, err := history.Open(*journalLoc)
		if err != nil {
			fatal("cannot open journal: %v", err)
		}
		pub, priv, err := security.EnsureKeyPair(
			filepath.Join(*keyDir, "server.pub"),
			filepath.Join(*keyDir, "server.priv"),
		)
		if err != nil {
			fatal("cannot init signing keys: %v", err)
		}
		runner.Journal = journal
		runner.SigningKey = priv
		runner.PublicKey = pub
	}

	summary, err := runner.RunPipeline(context.Background(), pipeline, utils.HashString(string(data)))
	if err != nil {
		fatal("run aborted: %v", err)
	}

	for _, job := range summary.Jobs {
		fmt.Printf("%s: %s\n", job.Entry, job.State)
		for _, step := range job.Steps {
			fmt.Printf("  %-30s %s\n", step.Step, step.Status)
		}
	}
	if !summary.Succeeded() {
		os.Exit(1)
	}
}

func cmdJournal(args []string) {
	if len(args) != 2 {
		usage()
	}
	journal, err := history.Open(args[1])
	if err != nil {
		fatal("cannot open journal: %v", err)
	}

	switch args[0] {
	case "inspect":
		for _, rec := range journal.Records() {
			fmt.Printf("seq=%d run=%s %s/%s step=%q status=%s hash=%s\n",
				rec.Seq, rec.RunID, rec.OS, rec.Version, rec.Step, rec.Status, rec.Hash[:16])
		}
	case "verify":
		if err := journal.Verify(); err != nil {
			fatal("journal verification FAILED: %v", err)
		}
		fmt.Println("journal verification ok")
	default:
		usage()
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
