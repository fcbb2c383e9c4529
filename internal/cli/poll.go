package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/complyflow/internal/notify"
	"github.com/roach88/complyflow/internal/watcher"
)

// PollOptions holds flags for the poll command.
type PollOptions struct {
	*RootOptions
	Records  string
	Tenant   string
	Interval time.Duration
}

// PollResult is the outcome of one poll.
type PollResult struct {
	SourceKey string              `json:"sourceKey"`
	Drift     bool                `json:"drift"`
	Event     *watcher.WatchEvent `json:"event,omitempty"`
}

// NewPollCommand creates the poll command.
func NewPollCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PollOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "poll <source-key>",
		Short: "Capture a source snapshot and record drift",
		Long: `Read the current records of a source, compare them with the last captured
snapshot and, when the fingerprint changed, record a change event and a
pending moderation proposal.

The proposal lists every cataloged workflow whose rules depend on the
source. When nats.url is configured the drift event is also published to
JetStream.

With --interval the records file is re-read and polled until interrupted.

Exit codes:
  0 - Poll completed (with or without drift)
  2 - Command error (records unreadable, store unavailable)

Examples:
  complyflow poll companies-house --records ./feeds/companies.json
  complyflow poll gazette --records gazette.yaml --interval 5m`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoll(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Records, "records", "", "JSON or YAML file with the source's current records (required)")
	_ = cmd.MarkFlagRequired("records")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant to poll for (default watcher.tenant)")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "poll repeatedly at this interval")

	return cmd
}

func runPoll(opts *PollOptions, sourceKey string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.config()
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
	}
	tenant := opts.Tenant
	if tenant == "" {
		tenant = cfg.Watcher.Tenant
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, err.Error(), nil)
	}
	defer b.Close()

	watchOpts := []watcher.Option{
		watcher.WithSeverity(cfg.Severity()),
		watcher.WithWorkflowIndex(b.catalog),
		watcher.WithLogger(slog.Default()),
	}
	if cfg.NATS.URL != "" {
		sink, err := notify.Connect(ctx, cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return fail(formatter, ExitCommandError, ErrCodeStore, err.Error(), nil)
		}
		defer func() {
			if err := sink.Close(); err != nil {
				slog.Warn("close nats", "error", err)
			}
		}()
		watchOpts = append(watchOpts, watcher.WithEventSink(sink))
	}

	w := watcher.New(b.snapshots, watchOpts...)
	w.Register(sourceKey, watcher.PollerFunc(func(context.Context, string) ([]watcher.Record, error) {
		return readRecords(opts.Records)
	}))

	if opts.Interval <= 0 {
		return pollOnce(ctx, w, formatter, tenant, sourceKey)
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		if err := pollOnce(ctx, w, formatter, tenant, sourceKey); err != nil {
			slog.Error("poll failed", "source", sourceKey, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func pollOnce(ctx context.Context, w *watcher.Watcher, formatter *OutputFormatter, tenant, sourceKey string) error {
	ev, err := w.Poll(ctx, tenant, sourceKey)
	if err != nil {
		return failInput(formatter, err)
	}

	result := PollResult{SourceKey: sourceKey, Drift: ev != nil, Event: ev}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	if ev == nil {
		fmt.Fprintf(formatter.Writer, "✓ %s unchanged\n", sourceKey)
		return nil
	}
	fmt.Fprintf(formatter.Writer, "! %s drifted (%s): %s\n", sourceKey, ev.Severity, ev.Summary)
	fmt.Fprintf(formatter.Writer, "  fingerprint %s\n", ev.Current.Fingerprint)
	if ev.ProposalID != "" {
		fmt.Fprintf(formatter.Writer, "  proposal %s pending review\n", ev.ProposalID)
	}
	for _, key := range ev.Workflows {
		fmt.Fprintf(formatter.Writer, "  affects workflow %s\n", key)
	}
	return nil
}
