package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/threat-thinker/ttserve/config"
	"github.com/threat-thinker/ttserve/internal/bootstrap"
	"github.com/threat-thinker/ttserve/internal/core"
	"github.com/threat-thinker/ttserve/internal/data"
	"github.com/threat-thinker/ttserve/internal/domain/model"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Out    io.Writer
	In     io.Reader
}

func main() {
	logger := bootstrap.InitLogger()

	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
		Out:    os.Stdout,
		In:     os.Stdin,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"job-status": {
			name:        "job-status",
			description: "Show the status and result summary of a job",
			run:         runJobStatus,
		},
		"queue-depth": {
			name:        "queue-depth",
			description: "Print the number of jobs waiting in the queue",
			run:         runQueueDepth,
		},
		"requeue-stale": {
			name:        "requeue-stale",
			description: "Run one reaper pass over running jobs with stale heartbeats",
			run:         runRequeueStale,
		},
	}
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: ttserve-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	names := make([]string, 0, len(commands()))
	for name := range commands() {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := commands()[name]
		if err := writef(w, "  %-16s %s\n", c.name, c.description); err != nil {
			return err
		}
	}
	return nil
}

type jobStatusOptions struct {
	JobID   string
	RawJSON bool
}

type requeueOptions struct {
	OlderThan   time.Duration
	Limit       int
	MaxRequeues int
	Yes         bool
}

func runJobStatus(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobStatusFlags(args)
	if err != nil {
		return err
	}
	return withStore(cmdCtx, func(store *data.RedisJobStore) error {
		return printJobStatus(cmdCtx.Ctx, cmdCtx.Out, store, opts)
	})
}

func runQueueDepth(cmdCtx *commandContext, _ []string) error {
	return withStore(cmdCtx, func(store *data.RedisJobStore) error {
		depth, err := store.QueueDepth(cmdCtx.Ctx)
		if err != nil {
			return fmt.Errorf("queue depth: %w", err)
		}
		return writef(cmdCtx.Out, "%s: %d pending\n", cmdCtx.Config.Queue.QueueKey, depth)
	})
}

func runRequeueStale(cmdCtx *commandContext, args []string) error {
	opts, err := parseRequeueFlags(args, cmdCtx.Config.Reaper)
	if err != nil {
		return err
	}
	if err := confirmAction(cmdCtx, opts); err != nil {
		return err
	}
	return withStore(cmdCtx, func(store *data.RedisJobStore) error {
		return requeueStale(cmdCtx.Ctx, cmdCtx.Out, store, opts)
	})
}

func parseJobStatusFlags(args []string) (jobStatusOptions, error) {
	fs := flag.NewFlagSet("job-status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts jobStatusOptions
	fs.StringVar(&opts.JobID, "job-id", "", "Job ID to inspect (required)")
	fs.BoolVar(&opts.RawJSON, "json", false, "Print the status and result as JSON")

	if err := fs.Parse(args); err != nil {
		return jobStatusOptions{}, err
	}

	opts.JobID = strings.TrimSpace(opts.JobID)
	if opts.JobID == "" {
		return jobStatusOptions{}, errors.New("--job-id is required")
	}
	return opts, nil
}

func parseRequeueFlags(args []string, defaults config.ReaperConfig) (requeueOptions, error) {
	fs := flag.NewFlagSet("requeue-stale", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := requeueOptions{
		OlderThan:   defaults.VisibilityTimeout,
		Limit:       defaults.BatchSize,
		MaxRequeues: defaults.MaxRequeues,
	}
	fs.DurationVar(&opts.OlderThan, "older-than", opts.OlderThan, "Heartbeat age after which a running job is stale")
	fs.IntVar(&opts.Limit, "limit", opts.Limit, "Maximum jobs examined in this pass")
	fs.IntVar(&opts.MaxRequeues, "max-requeues", opts.MaxRequeues, "Reclaims allowed before a job is failed instead")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip the confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return requeueOptions{}, err
	}
	if opts.OlderThan <= 0 {
		return requeueOptions{}, errors.New("--older-than must be positive")
	}
	if opts.Limit < 1 {
		return requeueOptions{}, errors.New("--limit must be at least 1")
	}
	if opts.MaxRequeues < 0 {
		return requeueOptions{}, errors.New("--max-requeues must not be negative")
	}
	return opts, nil
}

type jobStatusReport struct {
	Status *model.JobStatusView `json:"status"`
	Result *model.Result        `json:"result,omitempty"`
}

func printJobStatus(ctx context.Context, w io.Writer, store core.JobRepository, opts jobStatusOptions) error {
	view, err := store.GetStatus(ctx, opts.JobID)
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	report := jobStatusReport{Status: view}
	if view.Status == model.JobStatusSucceeded {
		res, err := store.GetResult(ctx, opts.JobID)
		if err != nil {
			return fmt.Errorf("get result: %w", err)
		}
		report.Result = res
	}

	if opts.RawJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writef(tw, "Job:\t%s\n", view.JobID); err != nil {
		return err
	}
	if err := writef(tw, "Status:\t%s\n", view.Status); err != nil {
		return err
	}
	if view.CreatedAt != nil {
		if err := writef(tw, "Created:\t%s\n", view.CreatedAt.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	if view.UpdatedAt != nil {
		if err := writef(tw, "Updated:\t%s\n", view.UpdatedAt.Format(time.RFC3339)); err != nil {
			return err
		}
	}
	if view.Error != "" {
		if err := writef(tw, "Error:\t%s\n", view.Error); err != nil {
			return err
		}
	}
	if res := report.Result; res != nil {
		if err := writef(tw, "Model:\t%s\n", res.Model); err != nil {
			return err
		}
		if err := writef(tw, "Duration:\t%dms\n", res.DurationMS); err != nil {
			return err
		}
		for _, r := range res.Reports {
			if err := writef(tw, "Report:\t%s (%d bytes)\n", r.Format, len(r.Content)); err != nil {
				return err
			}
		}
	}
	return tw.Flush()
}

func requeueStale(ctx context.Context, w io.Writer, repo core.ReaperRepository, opts requeueOptions) error {
	res, err := repo.RequeueStale(ctx, core.RequeueStaleParams{
		StaleBefore: time.Now().Add(-opts.OlderThan),
		Limit:       opts.Limit,
		MaxRequeues: opts.MaxRequeues,
	})
	if err != nil {
		return fmt.Errorf("requeue stale: %w", err)
	}
	if err := writef(w, "Requeued: %d\nFailed: %d\n", len(res.Requeued), len(res.Abandoned)); err != nil {
		return err
	}
	for _, id := range res.Requeued {
		if err := writef(w, "  requeued %s\n", id); err != nil {
			return err
		}
	}
	for _, id := range res.Abandoned {
		if err := writef(w, "  failed   %s\n", id); err != nil {
			return err
		}
	}
	return nil
}

func confirmAction(cmdCtx *commandContext, opts requeueOptions) error {
	if opts.Yes {
		return nil
	}
	if err := writef(cmdCtx.Out,
		"About to requeue running jobs without a heartbeat for %s (limit %d).\nContinue? [y/N]: ",
		opts.OlderThan, opts.Limit,
	); err != nil {
		return fmt.Errorf("print confirmation prompt: %w", err)
	}
	reader := bufio.NewReader(cmdCtx.In)
	resp, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}
	resp = strings.ToLower(strings.TrimSpace(resp))
	if resp == "y" || resp == "yes" {
		return nil
	}
	return errors.New("aborted by user")
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}
