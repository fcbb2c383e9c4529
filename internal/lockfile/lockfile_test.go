package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/complyflow/internal/fingerprint"
	"github.com/roach88/complyflow/internal/overlay"
	"github.com/roach88/complyflow/internal/patch"
	"github.com/roach88/complyflow/internal/workflow"
)

type memorySource struct {
	defs      map[string]*DefinitionVersion
	overlays  map[string]*OverlayVersion
	rules     map[string]*RuleVersion
	templates map[string]*TemplateVersion
	err       error
}

func (m *memorySource) WorkflowDefinitionVersion(_ context.Context, key, version string) (*DefinitionVersion, error) {
	if m.err != nil {
		return nil, m.err
	}
	if d, ok := m.defs[key+"@"+version]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("definition %s: %w", key, ErrNotFound)
}

func (m *memorySource) OverlayVersion(_ context.Context, ref OverlayRef) (*OverlayVersion, error) {
	return m.overlays[ref.String()], nil
}

func (m *memorySource) RuleVersion(_ context.Context, id string, sel Selector) (*RuleVersion, error) {
	if r, ok := m.rules[id+"@"+sel.String()]; ok {
		return r, nil
	}
	return nil, ErrNotFound
}

func (m *memorySource) TemplateVersion(_ context.Context, id string, sel Selector) (*TemplateVersion, error) {
	if t, ok := m.templates[id+"@"+sel.String()]; ok {
		return t, nil
	}
	return nil, ErrNotFound
}

var (
	companyRecords = []fingerprint.Record{
		{"id": "01234567", "name": "Acme Ltd", "status": "active"},
		{"id": "07654321", "name": "Beta plc", "status": "dissolved"},
	}
	charityRecords = []fingerprint.Record{
		{"number": "1100001", "name": "Helping Hands"},
	}
)

func newSource(t *testing.T) *memorySource {
	t.Helper()
	g, err := workflow.DecodeGraph([]byte(`{
		"id": "annual-filing",
		"steps": [
			{"id": "board-minutes", "kind": "document", "required": true},
			{"id": "file", "kind": "submission", "requires": ["board-minutes"]}
		],
		"edges": [{"from": "board-minutes", "to": "file"}]
	}`))
	require.NoError(t, err)

	return &memorySource{
		defs: map[string]*DefinitionVersion{
			"annual-filing@3": {
				Key:     "annual-filing",
				Version: "3",
				Graph:   g,
				Rules: map[string]Selector{
					"R1": Exact("1.0.0"),
					"R2": Range("^2"),
				},
				Templates: map[string]Selector{
					"cover-letter": Exact("5"),
				},
			},
		},
		overlays: map[string]*OverlayVersion{
			"tenant-a@1": {
				ID:      "tenant-a",
				Version: "1",
				Patch: patch.OverlayPatch{Operations: []patch.Operation{
					patch.Add("/steps/-", map[string]any{"id": "review", "kind": "review"}),
				}},
			},
			"tenant-b@2": {
				ID:       "tenant-b",
				Version:  "2",
				Checksum: "supplied-overlay-checksum",
				Patch: patch.OverlayPatch{Source: "tenant-b", Operations: []patch.Operation{
					patch.Test("/steps/2/id", "review"),
					patch.Replace("/steps/2/title", "Partner review"),
				}},
			},
		},
		rules: map[string]*RuleVersion{
			"R1@1.0.0": {
				ID:      "R1",
				Version: "1.0.0",
				Body:    map[string]any{"check": "company-active"},
				Sources: []SourceBinding{{SourceKey: "companies-house", SnapshotID: "snap-1", Records: companyRecords}},
			},
			"R2@range ^2": {
				ID:       "R2",
				Version:  "2.3.1",
				Checksum: "supplied-rule-checksum",
				Sources: []SourceBinding{
					{SourceKey: "charity-register", Records: charityRecords},
					{SourceKey: "companies-house", Records: companyRecords},
				},
			},
		},
		templates: map[string]*TemplateVersion{
			"cover-letter@5": {ID: "cover-letter", Version: "5", Body: "Dear registrar"},
		},
	}
}

func TestMaterializeRun(t *testing.T) {
	src := newSource(t)
	r := NewResolver(src)

	run, err := r.MaterializeRun(context.Background(), "annual-filing", "3", []OverlayRef{
		{ID: "tenant-a", Version: "1"},
		{ID: "tenant-b", Version: "2"},
	})
	require.NoError(t, err)

	require.Len(t, run.Workflow.Steps, 3)
	assert.Equal(t, "Partner review", run.Workflow.Steps[2].Title)
	assert.Equal(t, []string{"review"}, run.Impact.AddedSteps)
	assert.Empty(t, run.Warnings)

	lock := run.Lockfile
	wantDef, err := fingerprint.Checksum(fingerprint.DomainWorkflow, src.defs["annual-filing@3"].Graph)
	require.NoError(t, err)
	assert.Equal(t, ArtifactRef{ID: "annual-filing", Version: "3", Checksum: wantDef}, lock.WorkflowDef)

	require.Len(t, lock.Overlays, 2)
	assert.Equal(t, "tenant-a", lock.Overlays[0].ID)
	assert.Len(t, lock.Overlays[0].Checksum, 64)
	assert.Equal(t, "supplied-overlay-checksum", lock.Overlays[1].Checksum)

	require.Contains(t, lock.Rules, "R1")
	r1 := lock.Rules["R1"]
	assert.Equal(t, "1.0.0", r1.Version)
	assert.Len(t, r1.Checksum, 64)
	assert.Equal(t, []SourcePin{{
		SourceKey:   "companies-house",
		SnapshotID:  "snap-1",
		Fingerprint: fingerprint.MustFingerprint(companyRecords),
	}}, r1.Sources)

	r2 := lock.Rules["R2"]
	assert.Equal(t, "2.3.1", r2.Version)
	assert.Equal(t, "supplied-rule-checksum", r2.Checksum)
	require.Len(t, r2.Sources, 2)
	assert.Equal(t, "charity-register", r2.Sources[0].SourceKey)
	assert.Equal(t, fingerprint.MustFingerprint(charityRecords), r2.Sources[0].Fingerprint)

	assert.Equal(t, "5", lock.Templates["cover-letter"].Version)
}

func TestMaterializeRunIsReproducible(t *testing.T) {
	refs := []OverlayRef{{ID: "tenant-a", Version: "1"}}

	first, err := NewResolver(newSource(t)).MaterializeRun(context.Background(), "annual-filing", "3", refs)
	require.NoError(t, err)
	second, err := NewResolver(newSource(t), WithConcurrency(1)).MaterializeRun(context.Background(), "annual-filing", "3", refs)
	require.NoError(t, err)

	a, err := first.Lockfile.Encode()
	require.NoError(t, err)
	b, err := second.Lockfile.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestMaterializeRunNotFound(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*memorySource)
		refs   []OverlayRef
		want   NotFoundError
	}{
		{
			name: "definition",
			mutate: func(m *memorySource) {
				delete(m.defs, "annual-filing@3")
			},
			want: NotFoundError{Kind: KindWorkflow, ID: "annual-filing", Version: "3"},
		},
		{
			name: "overlay",
			refs: []OverlayRef{{ID: "tenant-z", Version: "9"}},
			want: NotFoundError{Kind: KindOverlay, ID: "tenant-z", Version: "9"},
		},
		{
			name: "rule",
			mutate: func(m *memorySource) {
				delete(m.rules, "R2@range ^2")
			},
			want: NotFoundError{Kind: KindRule, ID: "R2", Version: "range ^2"},
		},
		{
			name: "template",
			mutate: func(m *memorySource) {
				delete(m.templates, "cover-letter@5")
			},
			want: NotFoundError{Kind: KindTemplate, ID: "cover-letter", Version: "5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newSource(t)
			if tt.mutate != nil {
				tt.mutate(src)
			}

			run, err := NewResolver(src).MaterializeRun(context.Background(), "annual-filing", "3", tt.refs)
			require.Error(t, err)
			assert.Nil(t, run)
			assert.True(t, IsNotFound(err))
			assert.ErrorIs(t, err, ErrNotFound)

			var nf *NotFoundError
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, tt.want, *nf)
		})
	}
}

func TestMaterializeRunDataSourceError(t *testing.T) {
	src := newSource(t)
	src.err = errors.New("connection refused")

	_, err := NewResolver(src).MaterializeRun(context.Background(), "annual-filing", "3", nil)
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMaterializeRunMergeFailure(t *testing.T) {
	src := newSource(t)
	src.overlays["drop@1"] = &OverlayVersion{
		ID:      "drop",
		Version: "1",
		Patch: patch.OverlayPatch{Operations: []patch.Operation{
			patch.Remove("/edges/0"),
			patch.Remove("/steps/0"),
		}},
	}

	_, err := NewResolver(src).MaterializeRun(context.Background(), "annual-filing", "3", []OverlayRef{{ID: "drop", Version: "1"}})
	require.Error(t, err)
	assert.True(t, overlay.IsRequiredStepMissing(err))
}

func TestSelectorUnmarshal(t *testing.T) {
	var bindings map[string]Selector
	require.NoError(t, json.Unmarshal([]byte(`{"a": "1.0.0", "b": {"version": "2"}, "c": {"range": ">=3 <4"}}`), &bindings))

	assert.Equal(t, Exact("1.0.0"), bindings["a"])
	assert.Equal(t, Exact("2"), bindings["b"])
	assert.Equal(t, Range(">=3 <4"), bindings["c"])
	assert.True(t, bindings["c"].IsRange())
}

func TestSelectorUnmarshalRejects(t *testing.T) {
	for _, data := range []string{`{}`, `{"version": "1", "range": "^1"}`, `""`, `5`} {
		var s Selector
		assert.Error(t, json.Unmarshal([]byte(data), &s), data)
	}
}
