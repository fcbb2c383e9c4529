package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/complyflow/internal/fingerprint"
	"github.com/roach88/complyflow/internal/lockfile"
	"github.com/roach88/complyflow/internal/verify"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Tenant string
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify <lockfile>",
		Short: "Check a lockfile's rule sources for drift",
		Long: `Recompute the fingerprint of every source pinned by every rule in the
lockfile from the latest captured snapshot and compare it with the pinned
value. A rule is stale when any of its sources changed.

Verification never modifies the lockfile.

Exit codes:
  0 - Every rule verified
  1 - At least one rule is stale
  2 - Command error (lockfile unreadable, source never captured)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant whose snapshots to read (default watcher.tenant)")

	return cmd
}

func runVerify(opts *VerifyOptions, path string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := opts.formatter(cmd)

	lock, err := readLockfile(path)
	if err != nil {
		return failInput(formatter, err)
	}
	cfg, err := opts.config()
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
	}
	tenant := opts.Tenant
	if tenant == "" {
		tenant = cfg.Watcher.Tenant
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, err.Error(), nil)
	}
	defer b.Close()

	fetch := func(ctx context.Context, sourceKey string) ([]fingerprint.Record, error) {
		return b.snapshots.LatestRecords(ctx, tenant, sourceKey)
	}
	result, err := verify.Verify(ctx, lock, fetch)
	if errors.Is(err, lockfile.ErrNotFound) {
		return fail(formatter, ExitCommandError, ErrCodeSourceFetch,
			fmt.Sprintf("%v (poll the source first)", err), nil)
	}
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeSourceFetch, err.Error(), nil)
	}

	if formatter.Format == "json" {
		if result.Status == verify.StatusStale {
			_ = formatter.Error(ErrCodeStale, fmt.Sprintf("%d stale rule(s)", len(result.Stale())), result)
			return reportedError(ExitFailure, fmt.Sprintf("%s: %d stale rule(s)", ErrCodeStale, len(result.Stale())))
		}
		return formatter.Success(result)
	}

	w := formatter.Writer
	for _, rule := range result.Rules {
		mark := "✓"
		if rule.Status == verify.StatusStale {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s@%s %s\n", mark, rule.RuleID, rule.Version, rule.Status)
		for _, src := range rule.Sources {
			if src.Matches {
				continue
			}
			fmt.Fprintf(w, "    %s: expected %s, observed %s (%d records)\n",
				src.SourceKey, src.ExpectedFingerprint, src.ObservedFingerprint, src.RecordCount)
		}
	}
	if result.Status == verify.StatusStale {
		return reportedError(ExitFailure, fmt.Sprintf("%s: %d stale rule(s)", ErrCodeStale, len(result.Stale())))
	}
	fmt.Fprintf(w, "✓ Lockfile verified (%d rules)\n", len(result.Rules))
	return nil
}
