package cli

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/complyflow/internal/lockfile"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	Overlays    []string
	LockOut     string
	Concurrency int
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <workflow-key> <version>",
		Short: "Materialize a cataloged workflow run and pin it in a lockfile",
		Long: `Resolve a workflow definition version from the catalog, apply the named
overlay versions in order, resolve every rule and template binding and
emit the lockfile pinning all of them with checksums and source
fingerprints.

Resolving the same inputs against the same catalog yields a byte-identical
lockfile.

Exit codes:
  0 - Run materialized
  1 - Artifact not found or materialization failed
  2 - Command error (catalog unavailable, bad --overlay)

Examples:
  complyflow resolve onboarding 1.2.0 --overlay uk-kyc@3.0.0 --lock-out run.lock.json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Overlays, "overlay", nil, "overlay to apply as id@version (repeatable, applied in order)")
	cmd.Flags().StringVar(&opts.LockOut, "lock-out", "", "write the lockfile to this path")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "maximum concurrent catalog lookups (0 = unlimited)")

	return cmd
}

func runResolve(opts *ResolveOptions, key, version string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	refs, err := parseOverlayRefs(opts.Overlays)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
	}
	cfg, err := opts.config()
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
	}
	st, err := openCatalog(cfg)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, err.Error(), nil)
	}
	defer st.Close()

	resolver := lockfile.NewResolver(st, lockfile.WithConcurrency(opts.Concurrency))
	run, err := resolver.MaterializeRun(cmd.Context(), key, version, refs)
	if err != nil {
		return failErr(formatter, err)
	}

	if opts.LockOut != "" {
		data, err := run.Lockfile.Encode()
		if err != nil {
			return fail(formatter, ExitCommandError, ErrCodeGeneric, err.Error(), nil)
		}
		if err := os.WriteFile(opts.LockOut, append(data, '\n'), 0o644); err != nil {
			return fail(formatter, ExitCommandError, ErrCodeGeneric, fmt.Sprintf("write %s: %v", opts.LockOut, err), nil)
		}
		formatter.VerboseLog("Wrote lockfile %s", opts.LockOut)
	}

	if formatter.Format == "json" {
		return formatter.Success(run)
	}

	w := formatter.Writer
	lock := run.Lockfile
	fmt.Fprintf(w, "✓ Resolved %s@%s (%d steps)\n", lock.WorkflowDef.ID, lock.WorkflowDef.Version, len(run.Workflow.Steps))
	for _, o := range lock.Overlays {
		fmt.Fprintf(w, "  overlay  %s@%s  %s\n", o.ID, o.Version, o.Checksum)
	}
	for _, id := range sortedKeys(lock.Rules) {
		r := lock.Rules[id]
		fmt.Fprintf(w, "  rule     %s@%s  %d source(s)\n", id, r.Version, len(r.Sources))
	}
	for _, id := range sortedKeys(lock.Templates) {
		fmt.Fprintf(w, "  template %s@%s\n", id, lock.Templates[id].Version)
	}
	for _, warning := range run.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
	return nil
}

// parseOverlayRefs parses id@version flags. The version is split at the
// last '@' so ids may contain one.
func parseOverlayRefs(values []string) ([]lockfile.OverlayRef, error) {
	refs := make([]lockfile.OverlayRef, 0, len(values))
	for _, v := range values {
		i := strings.LastIndex(v, "@")
		if i <= 0 || i == len(v)-1 {
			return nil, fmt.Errorf("invalid --overlay %q: want id@version", v)
		}
		refs = append(refs, lockfile.OverlayRef{ID: v[:i], Version: v[i+1:]})
	}
	return refs, nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
