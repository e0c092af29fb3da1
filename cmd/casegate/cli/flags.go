package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// ParseResyncFlags parses `casegate resync [flags] SUBJECT...`.
func ParseResyncFlags(args []string) (ResyncOptions, error) {
	var opts ResyncOptions
	fs := pflag.NewFlagSet("resync", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.Actor, "actor", "", "actor recorded on audit entries")
	fs.BoolVar(&opts.JSONOutput, "json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return ResyncOptions{}, fmt.Errorf("resync: %w", err)
	}
	opts.SubjectIDs = fs.Args()
	return opts, nil
}

// ParseExpiredFlags parses `casegate expired [flags]`.
func ParseExpiredFlags(args []string) (ExpiredOptions, error) {
	var opts ExpiredOptions
	fs := pflag.NewFlagSet("expired", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&opts.Limit, "limit", 100, "maximum subjects to report")
	fs.BoolVar(&opts.Resync, "resync", false, "re-sync every reported subject")
	fs.StringVar(&opts.Actor, "actor", "", "actor recorded on audit entries")
	fs.BoolVar(&opts.JSONOutput, "json", false, "output as JSON")
	if err := fs.Parse(args); err != nil {
		return ExpiredOptions{}, fmt.Errorf("expired: %w", err)
	}
	if fs.NArg() > 0 {
		return ExpiredOptions{}, fmt.Errorf("expired: unexpected argument %q", fs.Arg(0))
	}
	return opts, nil
}

// JobsOptions defines the `casegate jobs` sub-actions.
type JobsOptions struct {
	Action  string
	Job     string
	Subject string
	Reason  string
	Actor   string
	Limit   int
	Stdout  io.Writer
	Stderr  io.Writer
}

// ParseJobsFlags parses `casegate jobs stats|scheduled|trigger|resync [flags]`.
func ParseJobsFlags(args []string) (JobsOptions, error) {
	if len(args) == 0 {
		return JobsOptions{}, fmt.Errorf("jobs: action required (stats, scheduled, trigger, resync)")
	}
	opts := JobsOptions{Action: args[0]}
	fs := pflag.NewFlagSet("jobs "+args[0], pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.Job, "job", "", "task type to trigger")
	fs.StringVar(&opts.Subject, "subject", "", "subject to re-sync")
	fs.StringVar(&opts.Reason, "reason", "manual", "reason recorded on the task")
	fs.StringVar(&opts.Actor, "actor", "", "actor recorded on audit entries")
	fs.IntVar(&opts.Limit, "limit", 0, "page size or sweep limit")
	if err := fs.Parse(args[1:]); err != nil {
		return JobsOptions{}, fmt.Errorf("jobs: %w", err)
	}
	switch opts.Action {
	case "stats", "scheduled":
	case "trigger":
		if opts.Job == "" {
			return JobsOptions{}, fmt.Errorf("jobs trigger: --job is required")
		}
	case "resync":
		if opts.Subject == "" {
			return JobsOptions{}, fmt.Errorf("jobs resync: --subject is required")
		}
	default:
		return JobsOptions{}, fmt.Errorf("jobs: unknown action %q", opts.Action)
	}
	return opts, nil
}

// Command runs a parsed jobs action and prints JSON to stdout.
func (c *JobsCLI) Command(ctx context.Context, opts JobsOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	var (
		out any
		err error
	)
	switch opts.Action {
	case "stats":
		out, err = c.InspectQueue(ctx)
	case "scheduled":
		out, err = c.ListScheduled(ctx, opts.Limit)
	case "trigger":
		out, err = c.Trigger(ctx, opts.Job, opts.Limit)
	case "resync":
		out, err = c.EnqueueResync(ctx, opts.Subject, opts.Actor, opts.Reason)
	default:
		err = fmt.Errorf("unknown action %q", opts.Action)
	}
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "jobs %s: %v\n", opts.Action, err)
		return 1
	}
	if err := json.NewEncoder(opts.Stdout).Encode(out); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "jobs %s: encode json: %v\n", opts.Action, err)
		return 1
	}
	return 0
}
