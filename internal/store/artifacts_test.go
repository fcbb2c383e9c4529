package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/complyflow/internal/fingerprint"
	"github.com/roach88/complyflow/internal/lockfile"
	"github.com/roach88/complyflow/internal/patch"
	"github.com/roach88/complyflow/internal/workflow"
)

const annualFiling = `{
	"id": "annual-filing",
	"steps": [
		{"id": "board-minutes", "kind": "document", "required": true},
		{"id": "file", "kind": "submission", "requires": ["board-minutes"]}
	],
	"edges": [{"from": "board-minutes", "to": "file"}]
}`

var companies = []fingerprint.Record{
	{"id": "01234567", "name": "Acme Ltd", "status": "active"},
}

// seedCatalog stores one definition with a rule range binding, an overlay
// and three versions of the rule.
func seedCatalog(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	g, err := workflow.DecodeGraph([]byte(annualFiling))
	require.NoError(t, err)

	require.NoError(t, s.PutDefinition(ctx, &lockfile.DefinitionVersion{
		Key:     "annual-filing",
		Version: "3",
		Graph:   g,
		Rules: map[string]lockfile.Selector{
			"company-active": lockfile.Range("^1.0.0"),
		},
		Templates: map[string]lockfile.Selector{
			"cover-letter": lockfile.Exact("5"),
		},
	}))
	require.NoError(t, s.PutOverlay(ctx, &lockfile.OverlayVersion{
		ID:      "tenant-a",
		Version: "1",
		Patch: patch.OverlayPatch{Source: "tenant-a", Operations: []patch.Operation{
			patch.Add("/steps/-", map[string]any{"id": "review", "kind": "review"}),
		}},
	}))
	for _, v := range []string{"1.0.0", "1.4.0", "2.0.0"} {
		require.NoError(t, s.PutRule(ctx, &lockfile.RuleVersion{
			ID:      "company-active",
			Version: v,
			Body:    map[string]any{"check": "status == active"},
			Sources: []lockfile.SourceBinding{{SourceKey: "companies-house", Records: companies}},
		}))
	}
	require.NoError(t, s.PutTemplate(ctx, &lockfile.TemplateVersion{
		ID:      "cover-letter",
		Version: "5",
		Body:    "Dear registrar",
	}))
}

func TestWorkflowDefinitionVersion(t *testing.T) {
	s := createTestStore(t)
	seedCatalog(t, s)

	d, err := s.WorkflowDefinitionVersion(context.Background(), "annual-filing", "3")
	require.NoError(t, err)
	assert.Equal(t, "annual-filing", d.Key)
	require.Len(t, d.Graph.Steps, 2)
	assert.True(t, d.Graph.Steps[0].Required)
	assert.Equal(t, lockfile.Range("^1.0.0"), d.Rules["company-active"])
	assert.Equal(t, lockfile.Exact("5"), d.Templates["cover-letter"])
}

func TestPutDefinition_VersionsAreImmutable(t *testing.T) {
	s := createTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	g, err := workflow.DecodeGraph([]byte(`{"id": "rewritten", "steps": [], "edges": []}`))
	require.NoError(t, err)
	require.NoError(t, s.PutDefinition(ctx, &lockfile.DefinitionVersion{Key: "annual-filing", Version: "3", Graph: g}))

	d, err := s.WorkflowDefinitionVersion(ctx, "annual-filing", "3")
	require.NoError(t, err)
	assert.Len(t, d.Graph.Steps, 2)
}

func TestOverlayVersion(t *testing.T) {
	s := createTestStore(t)
	seedCatalog(t, s)

	o, err := s.OverlayVersion(context.Background(), lockfile.OverlayRef{ID: "tenant-a", Version: "1"})
	require.NoError(t, err)
	require.Len(t, o.Patch.Operations, 1)
	assert.Equal(t, patch.OpAdd, o.Patch.Operations[0].Op)
	assert.Equal(t, "/steps/-", o.Patch.Operations[0].Path.String())
}

func TestRuleVersion_ExactAndRange(t *testing.T) {
	s := createTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	exact, err := s.RuleVersion(ctx, "company-active", lockfile.Exact("1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", exact.Version)
	require.Len(t, exact.Sources, 1)
	assert.Equal(t, companies, exact.Sources[0].Records)

	ranged, err := s.RuleVersion(ctx, "company-active", lockfile.Range("^1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", ranged.Version)

	_, err = s.RuleVersion(ctx, "company-active", lockfile.Range("^3.0.0"))
	assert.ErrorIs(t, err, lockfile.ErrNotFound)

	_, err = s.RuleVersion(ctx, "company-active", lockfile.Range(">=banana"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, lockfile.ErrNotFound)
}

func TestDataSourceNotFound(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.WorkflowDefinitionVersion(ctx, "missing", "1")
	assert.ErrorIs(t, err, lockfile.ErrNotFound)
	_, err = s.OverlayVersion(ctx, lockfile.OverlayRef{ID: "missing", Version: "1"})
	assert.ErrorIs(t, err, lockfile.ErrNotFound)
	_, err = s.RuleVersion(ctx, "missing", lockfile.Exact("1"))
	assert.ErrorIs(t, err, lockfile.ErrNotFound)
	_, err = s.TemplateVersion(ctx, "missing", lockfile.Exact("1"))
	assert.ErrorIs(t, err, lockfile.ErrNotFound)
}

func TestMaterializeRunFromStore(t *testing.T) {
	s := createTestStore(t)
	seedCatalog(t, s)

	run, err := lockfile.NewResolver(s).MaterializeRun(context.Background(), "annual-filing", "3",
		[]lockfile.OverlayRef{{ID: "tenant-a", Version: "1"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"review"}, run.Impact.AddedSteps)
	assert.Equal(t, "1.4.0", run.Lockfile.Rules["company-active"].Version)
	assert.Equal(t, fingerprint.MustFingerprint(companies), run.Lockfile.Rules["company-active"].Sources[0].Fingerprint)
	assert.Equal(t, "5", run.Lockfile.Templates["cover-letter"].Version)

	_, err = lockfile.NewResolver(s).MaterializeRun(context.Background(), "annual-filing", "3",
		[]lockfile.OverlayRef{{ID: "tenant-z", Version: "1"}})
	var nf *lockfile.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, lockfile.KindOverlay, nf.Kind)
}

func TestTemplateBodyRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTemplate(ctx, &lockfile.TemplateVersion{
		ID:      "notice",
		Version: "1",
		Body:    map[string]any{"lines": []any{"a", 2}},
	}))

	tv, err := s.TemplateVersion(ctx, "notice", lockfile.Exact("1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"lines": []any{"a", json.Number("2")}}, tv.Body)
}

func TestWorkflowsForSource(t *testing.T) {
	s := createTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	keys, err := s.WorkflowsForSource(ctx, "tenant-a", "companies-house")
	require.NoError(t, err)
	assert.Equal(t, []string{"annual-filing"}, keys)

	keys, err = s.WorkflowsForSource(ctx, "tenant-a", "charity-register")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
