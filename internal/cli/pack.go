package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/complyflow/internal/overlay"
)

// PackResult reports a pack signature.
type PackResult struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Overlays  int    `json:"overlays"`
	Signature string `json:"signature"`
	Valid     bool   `json:"valid"`
}

// NewPackCommand creates the pack command group.
func NewPackCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Sign and verify overlay packs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sign <dir>",
		Short: "Write pack.sig for a pack directory",
		Long: `Load the pack to check its manifest and overlays, then write the
SHA-256 signature of every file in the directory to pack.sig.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPackSign(rootOpts, args[0], cmd)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <dir>",
		Short: "Check pack.sig against the pack contents",
		Long: `Recompute the pack signature and compare it with pack.sig.

Exit codes:
  0 - Signature matches
  1 - Signature missing or does not match
  2 - Command error (pack unreadable)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPackVerify(rootOpts, args[0], cmd)
		},
	})

	return cmd
}

func runPackSign(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	pack, err := overlay.LoadPack(dir)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
	}
	sig, err := overlay.SignPack(dir)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	result := PackResult{
		Name:      pack.Manifest.Name,
		Version:   pack.Manifest.Version,
		Overlays:  len(pack.Overlays),
		Signature: sig,
		Valid:     true,
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Signed %s@%s: %s\n", result.Name, result.Version, sig)
	return nil
}

func runPackVerify(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	pack, err := overlay.LoadPack(dir)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
	}
	ok, err := overlay.VerifySignature(dir)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	sig, err := overlay.ComputeSignature(dir)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	result := PackResult{
		Name:      pack.Manifest.Name,
		Version:   pack.Manifest.Version,
		Overlays:  len(pack.Overlays),
		Signature: sig,
		Valid:     ok,
	}
	if !ok {
		return fail(formatter, ExitFailure, ErrCodeSignatureMismatch,
			fmt.Sprintf("pack %s signature missing or does not match", pack.Manifest.Name), result)
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Pack %s@%s signature valid\n", result.Name, result.Version)
	return nil
}
