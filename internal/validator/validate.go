package validator

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/roach88/complyflow/internal/workflow"
)

// Graph validation codes (E200-E299)
const (
	// Integrity errors (E201-E209)
	ErrDanglingRequires = "E201" // requires names an unknown step
	ErrDanglingEdgeFrom = "E202" // edge.from names an unknown step
	ErrDanglingEdgeTo   = "E203" // edge.to names an unknown step
	ErrEmptyStepID      = "E204" // step id is empty
	ErrDuplicateStepID  = "E205" // step id appears more than once

	// Secret binding errors (E210-E219)
	ErrSecretNotObject    = "E210" // binding is not an object
	ErrSecretMissingAlias = "E211" // binding has no non-empty string alias
	ErrSecretLiteral      = "E212" // binding embeds raw secret material
	ErrSecretConflict     = "E213" // metadata.secrets binds a name differently from secrets

	// Execution metadata errors (E220-E229)
	ErrUnknownMode      = "E220" // execution mode is not recognised
	ErrMissingURLAlias  = "E221" // external step without urlAlias
	ErrNotAnAlias       = "E222" // alias field holds a URL or is blank
	ErrRawURL           = "E223" // raw url field present
	ErrRawToken         = "E224" // raw token field present
	ErrMissingSignAlias = "E225" // signing block without secretAlias

	// Pack errors (E230-E239)
	ErrUnknownSchema = "E230" // input_schema not declared by the pack
)

// Kind groups issues by the pass that produced them.
type Kind string

const (
	KindIntegrity       Kind = "integrity"
	KindSecretBinding   Kind = "secret_binding"
	KindExecution       Kind = "execution_metadata"
	KindSchemaReference Kind = "schema_reference"
)

// Issue is a single structural problem found in a graph.
type Issue struct {
	Code    string `json:"code"`
	Kind    Kind   `json:"kind"`
	StepID  string `json:"stepId,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (i Issue) Error() string {
	return fmt.Sprintf("[%s] %s: %s", i.Code, i.Field, i.Message)
}

// Summary joins issues into a single line-per-issue message.
func Summary(issues []Issue) string {
	lines := make([]string, len(issues))
	for i, issue := range issues {
		lines[i] = issue.Error()
	}
	return strings.Join(lines, "\n")
}

// Validate checks a graph for dangling references, raw secret material and
// malformed execution metadata. It never fails: every problem found by any
// pass is returned, and an empty result means the graph is valid.
func Validate(g *workflow.Graph) []Issue {
	var issues []Issue
	issues = append(issues, checkIntegrity(g)...)
	issues = append(issues, checkSecrets(g)...)
	issues = append(issues, checkExecution(g)...)
	return issues
}

func checkIntegrity(g *workflow.Graph) []Issue {
	var issues []Issue

	ids := make(map[string]bool, len(g.Steps))
	for i, step := range g.Steps {
		field := fmt.Sprintf("steps[%d].id", i)
		if strings.TrimSpace(step.ID) == "" {
			issues = append(issues, Issue{
				Code:    ErrEmptyStepID,
				Kind:    KindIntegrity,
				Field:   field,
				Message: "step id is required",
			})
			continue
		}
		if ids[step.ID] {
			issues = append(issues, Issue{
				Code:    ErrDuplicateStepID,
				Kind:    KindIntegrity,
				StepID:  step.ID,
				Field:   field,
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
			})
		}
		ids[step.ID] = true
	}

	for i, step := range g.Steps {
		for j, req := range step.Requires {
			if !ids[req] {
				issues = append(issues, Issue{
					Code:    ErrDanglingRequires,
					Kind:    KindIntegrity,
					StepID:  step.ID,
					Field:   fmt.Sprintf("steps[%d].requires[%d]", i, j),
					Message: fmt.Sprintf("step %q requires unknown step %q", step.ID, req),
				})
			}
		}
	}

	for i, edge := range g.Edges {
		if !ids[edge.From] {
			issues = append(issues, Issue{
				Code:    ErrDanglingEdgeFrom,
				Kind:    KindIntegrity,
				Field:   fmt.Sprintf("edges[%d].from", i),
				Message: fmt.Sprintf("edge references unknown step %q", edge.From),
			})
		}
		if !ids[edge.To] {
			issues = append(issues, Issue{
				Code:    ErrDanglingEdgeTo,
				Kind:    KindIntegrity,
				Field:   fmt.Sprintf("edges[%d].to", i),
				Message: fmt.Sprintf("edge references unknown step %q", edge.To),
			})
		}
	}

	return issues
}

func checkSecrets(g *workflow.Graph) []Issue {
	var issues []Issue

	for i, step := range g.Steps {
		for _, name := range sortedNames(step.Secrets) {
			field := fmt.Sprintf("steps[%d].secrets.%s", i, name)
			issues = append(issues, checkBinding(step.ID, name, field, step.Secrets[name])...)
		}

		unfolded, present := step.UnfoldedSecrets()
		if !present {
			continue
		}
		if unfolded == nil {
			issues = append(issues, Issue{
				Code:    ErrSecretNotObject,
				Kind:    KindSecretBinding,
				StepID:  step.ID,
				Field:   fmt.Sprintf("steps[%d].metadata.secrets", i),
				Message: "metadata.secrets must be an object of alias bindings",
			})
			continue
		}
		for _, name := range sortedNames(unfolded) {
			field := fmt.Sprintf("steps[%d].metadata.secrets.%s", i, name)
			issues = append(issues, Issue{
				Code:    ErrSecretConflict,
				Kind:    KindSecretBinding,
				StepID:  step.ID,
				Field:   field,
				Message: fmt.Sprintf("secret %q is bound differently in secrets and metadata.secrets", name),
			})
			issues = append(issues, checkBinding(step.ID, name, field, unfolded[name])...)
		}
	}

	return issues
}

func sortedNames(bindings map[string]workflow.SecretBinding) []string {
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// checkBinding requires an object with a non-empty alias and no value.
func checkBinding(stepID, name, field string, binding workflow.SecretBinding) []Issue {
	if !binding.IsObject() {
		return []Issue{{
			Code:    ErrSecretNotObject,
			Kind:    KindSecretBinding,
			StepID:  stepID,
			Field:   field,
			Message: fmt.Sprintf("secret %q must be an object with an alias", name),
		}}
	}

	var issues []Issue
	if !binding.HasAlias() {
		issues = append(issues, Issue{
			Code:    ErrSecretMissingAlias,
			Kind:    KindSecretBinding,
			StepID:  stepID,
			Field:   field + ".alias",
			Message: fmt.Sprintf("secret %q must have a non-empty string alias", name),
		})
	}
	if binding.HasLiteralValue() {
		issues = append(issues, Issue{
			Code:    ErrSecretLiteral,
			Kind:    KindSecretBinding,
			StepID:  stepID,
			Field:   field + ".value",
			Message: fmt.Sprintf("secret %q must not embed a literal value", name),
		})
	}
	return issues
}

func checkExecution(g *workflow.Graph) []Issue {
	var issues []Issue

	for i, step := range g.Steps {
		exec := step.Execution
		if exec == nil {
			continue
		}
		prefix := fmt.Sprintf("steps[%d].execution", i)
		add := func(code, field, msg string) {
			issues = append(issues, Issue{
				Code:    code,
				Kind:    KindExecution,
				StepID:  step.ID,
				Field:   prefix + field,
				Message: msg,
			})
		}

		if !workflow.ValidExecutionModes[exec.Mode] {
			add(ErrUnknownMode, ".mode", fmt.Sprintf("unknown execution mode %q", exec.Mode))
		}

		// Raw endpoint material is never accepted, whatever the mode.
		if exec.URL != "" {
			add(ErrRawURL, ".url", "raw url is forbidden, use urlAlias")
		}
		if exec.Token != "" {
			add(ErrRawToken, ".token", "raw token is forbidden, use tokenAlias")
		}

		if !exec.Mode.IsExternal() {
			continue
		}

		switch {
		case exec.URLAlias == "":
			add(ErrMissingURLAlias, ".urlAlias", fmt.Sprintf("%s step requires urlAlias", exec.Mode))
		case !IsAlias(exec.URLAlias):
			add(ErrNotAnAlias, ".urlAlias", fmt.Sprintf("urlAlias %q is not an alias", exec.URLAlias))
		}
		if exec.TokenAlias != "" && !IsAlias(exec.TokenAlias) {
			add(ErrNotAnAlias, ".tokenAlias", fmt.Sprintf("tokenAlias %q is not an alias", exec.TokenAlias))
		}
		if exec.Signing != nil {
			switch {
			case exec.Signing.SecretAlias == "":
				add(ErrMissingSignAlias, ".signing.secretAlias", "signing requires secretAlias")
			case !IsAlias(exec.Signing.SecretAlias):
				add(ErrNotAnAlias, ".signing.secretAlias",
					fmt.Sprintf("secretAlias %q is not an alias", exec.Signing.SecretAlias))
			}
		}
	}

	return issues
}

// IsAlias reports whether s looks like a runtime alias rather than a literal
// endpoint: non-blank and without a URL scheme separator.
func IsAlias(s string) bool {
	return strings.TrimSpace(s) != "" && !strings.Contains(s, "://")
}

// ValidateSchemaRefs checks that every step input_schema pointing at a local
// schemas/ path is listed in declared. Absolute URLs are not checked.
func ValidateSchemaRefs(g *workflow.Graph, declared []string) []Issue {
	known := make(map[string]bool, len(declared))
	for _, s := range declared {
		known[cleanSchemaPath(s)] = true
	}

	var issues []Issue
	for i, step := range g.Steps {
		if step.Execution == nil || step.Execution.InputSchema == "" {
			continue
		}
		ref := step.Execution.InputSchema
		if strings.Contains(ref, "://") {
			continue
		}
		clean := cleanSchemaPath(ref)
		if !strings.HasPrefix(clean, "schemas/") {
			continue
		}
		if !known[clean] {
			issues = append(issues, Issue{
				Code:    ErrUnknownSchema,
				Kind:    KindSchemaReference,
				StepID:  step.ID,
				Field:   fmt.Sprintf("steps[%d].execution.input_schema", i),
				Message: fmt.Sprintf("schema %q is not declared by the pack", ref),
			})
		}
	}
	return issues
}

func cleanSchemaPath(p string) string {
	return strings.TrimPrefix(path.Clean(strings.TrimSpace(p)), "./")
}
