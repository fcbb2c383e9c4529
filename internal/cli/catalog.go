package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/complyflow/internal/lockfile"
	"github.com/roach88/complyflow/internal/store"
)

// CatalogDocument is the import format for the artifact catalog. Each list
// may be empty; versions already in the catalog are left unchanged.
type CatalogDocument struct {
	Definitions []lockfile.DefinitionVersion `json:"definitions"`
	Overlays    []lockfile.OverlayVersion    `json:"overlays"`
	Rules       []lockfile.RuleVersion       `json:"rules"`
	Templates   []lockfile.TemplateVersion   `json:"templates"`
}

// CatalogImportResult counts imported artifacts.
type CatalogImportResult struct {
	Definitions int `json:"definitions"`
	Overlays    int `json:"overlays"`
	Rules       int `json:"rules"`
	Templates   int `json:"templates"`
}

// NewCatalogCommand creates the catalog command group.
func NewCatalogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the versioned artifact catalog",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import workflow definitions, overlays, rules and templates",
		Long: `Import artifacts into the catalog from a JSON or YAML document with
top-level "definitions", "overlays", "rules" and "templates" lists.

Catalog versions are immutable: importing a version that already exists
leaves the stored artifact unchanged.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalogImport(rootOpts, args[0], cmd)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "dependents <source-key>",
		Short:         "List workflows whose rules depend on a source",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalogDependents(rootOpts, args[0], cmd)
		},
	})

	return cmd
}

func runCatalogImport(opts *RootOptions, path string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := opts.formatter(cmd)

	cfg, err := opts.config()
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
	}
	data, err := readDocument(path)
	if err != nil {
		return failInput(formatter, err)
	}
	var doc CatalogDocument
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fail(formatter, ExitCommandError, ErrCodeInvalidInput, fmt.Sprintf("%s: %v", path, err), nil)
	}

	st, err := openCatalog(cfg)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, err.Error(), nil)
	}
	defer st.Close()

	result, err := importCatalog(ctx, st, &doc)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, err.Error(), nil)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Imported %d definition(s), %d overlay(s), %d rule(s), %d template(s)\n",
		result.Definitions, result.Overlays, result.Rules, result.Templates)
	return nil
}

func importCatalog(ctx context.Context, st *store.Store, doc *CatalogDocument) (*CatalogImportResult, error) {
	for i := range doc.Definitions {
		if err := st.PutDefinition(ctx, &doc.Definitions[i]); err != nil {
			return nil, err
		}
	}
	for i := range doc.Overlays {
		if err := st.PutOverlay(ctx, &doc.Overlays[i]); err != nil {
			return nil, err
		}
	}
	for i := range doc.Rules {
		if err := st.PutRule(ctx, &doc.Rules[i]); err != nil {
			return nil, err
		}
	}
	for i := range doc.Templates {
		if err := st.PutTemplate(ctx, &doc.Templates[i]); err != nil {
			return nil, err
		}
	}
	return &CatalogImportResult{
		Definitions: len(doc.Definitions),
		Overlays:    len(doc.Overlays),
		Rules:       len(doc.Rules),
		Templates:   len(doc.Templates),
	}, nil
}

func runCatalogDependents(opts *RootOptions, sourceKey string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.config()
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeInvalidInput, err.Error(), nil)
	}
	st, err := openCatalog(cfg)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, err.Error(), nil)
	}
	defer st.Close()

	keys, err := st.WorkflowsForSource(cmd.Context(), cfg.Watcher.Tenant, sourceKey)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, err.Error(), nil)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"sourceKey": sourceKey, "workflows": keys})
	}
	if len(keys) == 0 {
		fmt.Fprintf(formatter.Writer, "No workflows depend on %s\n", sourceKey)
		return nil
	}
	fmt.Fprintln(formatter.Writer, strings.Join(keys, "\n"))
	return nil
}
