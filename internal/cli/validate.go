package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/complyflow/internal/validator"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Steps  int               `json:"steps"`
	Issues []validator.Issue `json:"issues,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <graph-file>",
		Short: "Validate a workflow graph",
		Long: `Validate a workflow graph without applying overlays.

Reports dangling edges, duplicate step ids, literal secrets, raw url/token
fields and malformed execution metadata. Every issue is reported, not just
the first. The graph may be JSON, JSONC or YAML.

Exit codes:
  0 - Graph is valid
  1 - Graph has validation issues
  2 - Command error (file not found, unparsable graph)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	g, err := readGraph(path)
	if err != nil {
		return failInput(formatter, err)
	}
	formatter.VerboseLog("Loaded %d step(s), %d edge(s) from %s", len(g.Steps), len(g.Edges), path)

	issues := validator.Validate(g)
	if len(issues) > 0 {
		return outputValidationIssues(formatter, len(g.Steps), issues)
	}

	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Steps: len(g.Steps)})
	}
	fmt.Fprintf(formatter.Writer, "✓ Workflow graph valid (%d steps)\n", len(g.Steps))
	return nil
}

func outputValidationIssues(formatter *OutputFormatter, steps int, issues []validator.Issue) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Steps: steps, Issues: issues},
			Error: &CLIError{
				Code:    ErrCodeGraphInvalid,
				Message: issues[0].Message,
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return reportedError(ExitFailure, fmt.Sprintf("validation failed with %d issue(s)", len(issues)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, issue := range issues {
		if issue.StepID != "" {
			fmt.Fprintf(formatter.Writer, "step %s\n", issue.StepID)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", issue.Code, issue.Field, issue.Message)
	}
	return reportedError(ExitFailure, fmt.Sprintf("validation failed with %d issue(s)", len(issues)))
}
