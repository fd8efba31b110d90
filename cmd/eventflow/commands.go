package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/angelmondragon/eventflow/internal/app"
	"github.com/angelmondragon/eventflow/pkg/enums"
)

const (
	defaultBatchSize   = 100
	defaultReplayLimit = 100
)

type opener func(ctx context.Context) (*app.App, error)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, a *app.App, args []string, out io.Writer) error
}

var commands = []command{
	{name: "drain-outbox", usage: "drain-outbox [--batch-size N]", run: drainOutbox},
	{name: "replay-dead-letters", usage: "replay-dead-letters [--limit N]", run: replayDeadLetters},
	{name: "stats", usage: "stats", run: printStats},
}

// run dispatches one subcommand and returns the process exit code.
func run(ctx context.Context, args []string, out, errOut io.Writer, open opener) int {
	if len(args) == 0 {
		usage(errOut)
		return 2
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(errOut, "unknown command %q\n", args[0])
		usage(errOut)
		return 2
	}

	a, err := open(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(errOut, "error closing: %v\n", err)
		}
	}()

	if err := cmd.run(ctx, a, args[1:], out); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintf(errOut, "%s: %v\n", cmd.name, err)
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: eventflow <command> [flags]")
	for _, c := range commands {
		fmt.Fprintf(w, "  %s\n", c.usage)
	}
}

func drainOutbox(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("drain-outbox", flag.ContinueOnError)
	fs.SetOutput(out)
	batch := fs.Int("batch-size", defaultBatchSize, "maximum entries to claim")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *batch <= 0 {
		return fmt.Errorf("--batch-size must be positive")
	}

	report, err := a.Drainer.Drain(ctx, *batch)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "claimed=%d processed=%d retried=%d dead_lettered=%d attempts=%d no_handlers=%d\n",
		report.Claimed, report.Processed, report.Retried, report.DeadLettered, report.Attempts, report.NoHandlers)
	return printStats(ctx, a, nil, out)
}

func replayDeadLetters(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("replay-dead-letters", flag.ContinueOnError)
	fs.SetOutput(out)
	limit := fs.Int("limit", defaultReplayLimit, "maximum entries to replay")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	n, err := a.Replayer.ReplayDeadLetters(ctx, *limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "replayed=%d\n", n)
	return printStats(ctx, a, nil, out)
}

func printStats(ctx context.Context, a *app.App, _ []string, out io.Writer) error {
	stats, err := a.Store.Stats(ctx)
	if err != nil {
		return err
	}
	statuses := make([]string, 0, len(stats))
	for status := range stats {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(out, "%s=%d\n", status, stats[enums.OutboxStatus(status)])
	}
	return nil
}
