package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/complyflow/internal/canonical"
	"github.com/roach88/complyflow/internal/overlay"
	"github.com/roach88/complyflow/internal/patch"
	"github.com/roach88/complyflow/internal/workflow"
)

// MaterializeOptions holds flags for the materialize command.
type MaterializeOptions struct {
	*RootOptions
	PackDir       string
	RequireSigned bool
	Output        string
}

// NewMaterializeCommand creates the materialize command.
func NewMaterializeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MaterializeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "materialize <graph-file> [overlay-file...]",
		Short: "Apply overlays to a base workflow graph",
		Long: `Apply overlays to a base workflow graph in the order given and validate
the result.

With --pack the overlays listed in the pack manifest are applied instead and
every local input schema must be declared by the pack.

Exit codes:
  0 - Workflow materialized
  1 - Patch failed, required step removed, merged graph invalid or pack unsigned
  2 - Command error (file not found, unparsable input)

Examples:
  complyflow materialize base.yaml overlays/uk.jsonc
  complyflow materialize base.yaml --pack ./packs/kyc --require-signed -o merged.json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaterialize(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.PackDir, "pack", "", "overlay pack directory")
	cmd.Flags().BoolVar(&opts.RequireSigned, "require-signed", false, "fail unless the pack signature matches")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the canonical workflow to this file")

	return cmd
}

func runMaterialize(opts *MaterializeOptions, graphPath string, overlayPaths []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	if opts.PackDir != "" && len(overlayPaths) > 0 {
		return fail(formatter, ExitCommandError, ErrCodeInvalidInput, "overlay files and --pack are mutually exclusive", nil)
	}

	base, err := readGraph(graphPath)
	if err != nil {
		return failInput(formatter, err)
	}

	var result *overlay.Result
	if opts.PackDir != "" {
		result, err = materializePack(opts, formatter, base)
	} else {
		result, err = materializeFiles(formatter, base, overlayPaths)
	}
	if err != nil {
		return err
	}

	if opts.Output != "" {
		data, err := canonical.Marshal(result.Workflow)
		if err != nil {
			return fail(formatter, ExitCommandError, ErrCodeGeneric, err.Error(), nil)
		}
		if err := os.WriteFile(opts.Output, append(data, '\n'), 0o644); err != nil {
			return fail(formatter, ExitCommandError, ErrCodeGeneric, fmt.Sprintf("write %s: %v", opts.Output, err), nil)
		}
		formatter.VerboseLog("Wrote %s", opts.Output)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	printMaterialized(formatter, result)
	return nil
}

func materializeFiles(formatter *OutputFormatter, base *workflow.Graph, paths []string) (*overlay.Result, error) {
	overlays := make([]patch.OverlayPatch, 0, len(paths))
	for _, path := range paths {
		o, err := overlay.LoadOverlayFile(path)
		if err != nil {
			return nil, fail(formatter, ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
		}
		if o.Source == "" {
			o.Source = path
		}
		formatter.VerboseLog("Overlay %s: %d operation(s)", o.Source, len(o.Operations))
		overlays = append(overlays, *o)
	}

	result, err := overlay.Materialize(base, overlays)
	if err != nil {
		return nil, failErr(formatter, err)
	}
	return result, nil
}

func materializePack(opts *MaterializeOptions, formatter *OutputFormatter, base *workflow.Graph) (*overlay.Result, error) {
	pack, err := overlay.LoadPack(opts.PackDir)
	if err != nil {
		return nil, fail(formatter, ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
	}
	formatter.VerboseLog("Pack %s@%s: %d overlay(s)", pack.Manifest.Name, pack.Manifest.Version, len(pack.Overlays))

	signed, err := overlay.VerifySignature(opts.PackDir)
	if err != nil {
		return nil, fail(formatter, ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	if !signed {
		if opts.RequireSigned {
			return nil, fail(formatter, ExitFailure, ErrCodeSignatureMismatch,
				fmt.Sprintf("pack %s signature missing or does not match", pack.Manifest.Name), nil)
		}
		formatter.VerboseLog("Pack %s is not signed", pack.Manifest.Name)
	}

	merged, err := overlay.MergeWithPack(base, pack)
	if err != nil {
		return nil, failErr(formatter, err)
	}
	return &merged.Result, nil
}

func printMaterialized(formatter *OutputFormatter, result *overlay.Result) {
	w := formatter.Writer
	fmt.Fprintf(w, "✓ Materialized workflow (%d steps, %d edges)\n", len(result.Workflow.Steps), len(result.Workflow.Edges))
	if result.Impact.Empty() {
		fmt.Fprintln(w, "  no steps changed")
	}
	for _, line := range []struct {
		label string
		ids   []string
	}{
		{"added", result.Impact.AddedSteps},
		{"removed", result.Impact.RemovedSteps},
		{"changed", result.Impact.ChangedSteps},
	} {
		if len(line.ids) > 0 {
			fmt.Fprintf(w, "  %s: %s\n", line.label, strings.Join(line.ids, ", "))
		}
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}
