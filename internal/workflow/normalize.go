package workflow

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/roach88/complyflow/internal/canonical"
)

// metadataSecretsKey is the legacy location of step secret bindings.
const metadataSecretsKey = "secrets"

// Normalize brings a decoded graph into the single internal shape:
// nil step and edge lists become empty, and secret bindings authored under
// metadata.secrets move to Step.Secrets.
//
// An entry whose name is already bound in Step.Secrets is dropped when it
// is identical to that binding. A differing entry, or a metadata.secrets
// value that is not an object, stays in metadata so validation can report
// it; see Step.UnfoldedSecrets.
func (g *Graph) Normalize() error {
	if g.Steps == nil {
		g.Steps = []Step{}
	}
	if g.Edges == nil {
		g.Edges = []Edge{}
	}
	for i := range g.Steps {
		if err := g.Steps[i].normalizeSecrets(); err != nil {
			return fmt.Errorf("step %q: %w", g.Steps[i].ID, err)
		}
	}
	return nil
}

func (s *Step) normalizeSecrets() error {
	raw, ok := s.Metadata[metadataSecretsKey]
	if !ok {
		return nil
	}
	entries, ok := raw.(map[string]any)
	if !ok {
		return nil
	}

	secrets := make(map[string]SecretBinding, len(s.Secrets)+len(entries))
	maps.Copy(secrets, s.Secrets)
	unfolded := make(map[string]any)
	for name, entry := range entries {
		binding, err := bindingOf(entry)
		if err != nil {
			return fmt.Errorf("metadata.secrets[%q]: %w", name, err)
		}
		if explicit, exists := secrets[name]; exists {
			if !sameBinding(explicit, binding) {
				unfolded[name] = entry
			}
			continue
		}
		secrets[name] = binding
	}
	s.Secrets = secrets

	metadata := maps.Clone(s.Metadata)
	if len(unfolded) > 0 {
		metadata[metadataSecretsKey] = unfolded
	} else {
		delete(metadata, metadataSecretsKey)
	}
	if len(metadata) == 0 {
		metadata = nil
	}
	s.Metadata = metadata
	return nil
}

// UnfoldedSecrets returns what Normalize left under metadata.secrets.
// bindings holds entries clashing with a different binding of the same
// name in Secrets. present is true whenever metadata.secrets exists; with
// nil bindings that means its value is not an object.
func (s Step) UnfoldedSecrets() (bindings map[string]SecretBinding, present bool) {
	raw, ok := s.Metadata[metadataSecretsKey]
	if !ok {
		return nil, false
	}
	entries, ok := raw.(map[string]any)
	if !ok {
		return nil, true
	}
	bindings = make(map[string]SecretBinding, len(entries))
	for name, entry := range entries {
		binding, err := bindingOf(entry)
		if err != nil {
			continue
		}
		bindings[name] = binding
	}
	return bindings, true
}

func bindingOf(entry any) (SecretBinding, error) {
	var binding SecretBinding
	data, err := json.Marshal(entry)
	if err != nil {
		return binding, err
	}
	err = binding.UnmarshalJSON(data)
	return binding, err
}

func sameBinding(a, b SecretBinding) bool {
	da, err := a.MarshalJSON()
	if err != nil {
		return false
	}
	db, err := b.MarshalJSON()
	if err != nil {
		return false
	}
	va, errA := canonical.Decode(da)
	vb, errB := canonical.Decode(db)
	return errA == nil && errB == nil && canonical.Equal(va, vb)
}

// StepIndex maps step ids to their position in Steps.
// When ids repeat, the first occurrence wins.
func (g *Graph) StepIndex() map[string]int {
	index := make(map[string]int, len(g.Steps))
	for i, step := range g.Steps {
		if _, exists := index[step.ID]; !exists {
			index[step.ID] = i
		}
	}
	return index
}

// Step returns the step with the given id.
func (g *Graph) Step(id string) (Step, bool) {
	for _, step := range g.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return Step{}, false
}

// RequiredStepIDs returns the ids of steps flagged required, in graph order.
func (g *Graph) RequiredStepIDs() []string {
	var ids []string
	for _, step := range g.Steps {
		if step.Required {
			ids = append(ids, step.ID)
		}
	}
	return ids
}
