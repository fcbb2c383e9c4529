package overlay

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/complyflow/internal/canonical"
	"github.com/roach88/complyflow/internal/patch"
	"github.com/roach88/complyflow/internal/validator"
	"github.com/roach88/complyflow/internal/workflow"
)

// ImpactMap lists the step ids an overlay merge added, removed or changed.
// Each list is sorted.
type ImpactMap struct {
	AddedSteps   []string `json:"addedSteps"`
	RemovedSteps []string `json:"removedSteps"`
	ChangedSteps []string `json:"changedSteps"`
}

// Empty reports whether the merge left every step untouched.
func (m ImpactMap) Empty() bool {
	return len(m.AddedSteps) == 0 && len(m.RemovedSteps) == 0 && len(m.ChangedSteps) == 0
}

// Result is a validated, materialized workflow.
type Result struct {
	Workflow *workflow.Graph `json:"workflow"`
	Impact   ImpactMap       `json:"impact"`
	Warnings []string        `json:"warnings"`
}

// MergeResult is the outcome of merging a pack into a base graph.
type MergeResult struct {
	Result
	Pack Manifest `json:"pack"`
}

// Materialize folds overlays over base in order, then checks that required
// base steps survived and that the merged graph validates. base is not
// modified.
//
// Errors:
//   - *patch.Error when an overlay cannot be applied
//   - *RequiredStepMissingError when a required base step was removed
//   - *GraphInvalidError when the merged graph has validation issues
func Materialize(base *workflow.Graph, overlays []patch.OverlayPatch) (*Result, error) {
	return materialize(base, overlays, nil)
}

// MergeWithPack materializes base with the pack's overlays and additionally
// requires every local input schema to be declared by the pack. The pack
// signature is not checked here; see VerifySignature.
func MergeWithPack(base *workflow.Graph, pack *Pack) (*MergeResult, error) {
	result, err := materialize(base, pack.Overlays, func(g *workflow.Graph) []validator.Issue {
		return validator.ValidateSchemaRefs(g, pack.Manifest.Schemas)
	})
	if err != nil {
		return nil, fmt.Errorf("merge pack %s@%s: %w", pack.Manifest.Name, pack.Manifest.Version, err)
	}
	return &MergeResult{Result: *result, Pack: pack.Manifest}, nil
}

func materialize(base *workflow.Graph, overlays []patch.OverlayPatch, extra func(*workflow.Graph) []validator.Issue) (*Result, error) {
	var warnings []string
	for _, o := range overlays {
		if len(o.Operations) == 0 {
			warnings = append(warnings, fmt.Sprintf("overlay %q has no operations", o.Source))
		}
	}

	merged, err := patch.ApplyPatches(base, overlays)
	if err != nil {
		return nil, err
	}

	// Required steps are checked before validation: removing one usually
	// also leaves dangling edges, and the governance error must win.
	index := merged.StepIndex()
	var missing []string
	for _, id := range base.RequiredStepIDs() {
		if _, ok := index[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		slog.Warn("required steps removed by overlay", "workflow", base.ID, "steps", missing)
		return nil, &RequiredStepMissingError{StepIDs: missing}
	}

	issues := validator.Validate(merged)
	if extra != nil {
		issues = append(issues, extra(merged)...)
	}
	if len(issues) > 0 {
		return nil, &GraphInvalidError{Issues: issues}
	}

	impact, err := ComputeImpact(base, merged)
	if err != nil {
		return nil, err
	}

	required := make(map[string]bool)
	for _, id := range base.RequiredStepIDs() {
		required[id] = true
	}
	for _, id := range impact.ChangedSteps {
		if required[id] {
			warnings = append(warnings, fmt.Sprintf("required step %q was modified by an overlay", id))
		}
	}

	for _, path := range validator.Cycles(merged) {
		warnings = append(warnings, fmt.Sprintf("steps form a cycle: %s", strings.Join(path, " → ")))
	}

	slog.Debug("workflow materialized",
		"workflow", base.ID,
		"overlays", len(overlays),
		"added", len(impact.AddedSteps),
		"removed", len(impact.RemovedSteps),
		"changed", len(impact.ChangedSteps))

	if warnings == nil {
		warnings = []string{}
	}
	return &Result{Workflow: merged, Impact: impact, Warnings: warnings}, nil
}

// ComputeImpact compares the steps of two graphs by id. A step present in
// both is changed when its canonical form differs.
func ComputeImpact(before, after *workflow.Graph) (ImpactMap, error) {
	prev, err := stepContents(before)
	if err != nil {
		return ImpactMap{}, fmt.Errorf("compute impact: %w", err)
	}
	next, err := stepContents(after)
	if err != nil {
		return ImpactMap{}, fmt.Errorf("compute impact: %w", err)
	}

	impact := ImpactMap{
		AddedSteps:   []string{},
		RemovedSteps: []string{},
		ChangedSteps: []string{},
	}
	for id, content := range next {
		old, ok := prev[id]
		switch {
		case !ok:
			impact.AddedSteps = append(impact.AddedSteps, id)
		case old != content:
			impact.ChangedSteps = append(impact.ChangedSteps, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			impact.RemovedSteps = append(impact.RemovedSteps, id)
		}
	}

	slices.Sort(impact.AddedSteps)
	slices.Sort(impact.RemovedSteps)
	slices.Sort(impact.ChangedSteps)
	return impact, nil
}

// stepContents maps each step id to its canonical form. When ids repeat,
// the first occurrence wins, matching Graph.StepIndex.
func stepContents(g *workflow.Graph) (map[string]string, error) {
	out := make(map[string]string, len(g.Steps))
	for _, step := range g.Steps {
		if _, exists := out[step.ID]; exists {
			continue
		}
		s, err := canonical.String(step)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", step.ID, err)
		}
		out[step.ID] = s
	}
	return out, nil
}
