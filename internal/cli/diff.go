package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/complyflow/internal/fingerprint"
	"github.com/roach88/complyflow/internal/sourcediff"
)

// DiffResult compares two record sets.
type DiffResult struct {
	Before string          `json:"before"`
	After  string          `json:"after"`
	Diff   sourcediff.Diff `json:"diff"`
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff <before-records> <after-records>",
		Short: "Compare two record sets by identity",
		Long: `Compare two JSON or YAML record arrays. Records are matched by their
id, registration number or name, falling back to their content, so
reordering alone is never a change.

Prints the fingerprint of each side and the added, removed and changed
records.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(rootOpts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runDiff(opts *RootOptions, beforePath, afterPath string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	before, err := readRecords(beforePath)
	if err != nil {
		return failInput(formatter, err)
	}
	after, err := readRecords(afterPath)
	if err != nil {
		return failInput(formatter, err)
	}

	result := DiffResult{}
	if result.Before, err = fingerprint.Fingerprint(before); err != nil {
		return fail(formatter, ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("%s: %v", beforePath, err), nil)
	}
	if result.After, err = fingerprint.Fingerprint(after); err != nil {
		return fail(formatter, ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("%s: %v", afterPath, err), nil)
	}
	if result.Diff, err = sourcediff.Compute(before, after); err != nil {
		return fail(formatter, ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "before %s\nafter  %s\n", result.Before, result.After)
	if result.Diff.Empty() {
		fmt.Fprintln(w, "✓ No changes")
		return nil
	}
	fmt.Fprintln(w, result.Diff.Summary())
	for _, r := range result.Diff.Added {
		fmt.Fprintf(w, "  + %s\n", recordLabel(r))
	}
	for _, r := range result.Diff.Removed {
		fmt.Fprintf(w, "  - %s\n", recordLabel(r))
	}
	for _, c := range result.Diff.Changed {
		fmt.Fprintf(w, "  ~ %s\n", recordLabel(c.After))
	}
	return nil
}

func recordLabel(r sourcediff.Record) string {
	id, err := sourcediff.Identity(r)
	if err != nil {
		return fmt.Sprintf("%v", r)
	}
	return id
}
