package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/complyflow/internal/fingerprint"
	"github.com/roach88/complyflow/internal/lockfile"
	"github.com/roach88/complyflow/internal/verify"
	"github.com/roach88/complyflow/internal/watcher"
)

const catalogYAML = `definitions:
  - key: annual-filing
    version: 3.0.0
    definition:
      id: annual-filing
      steps:
        - id: board-minutes
          kind: document
          required: true
        - id: file
          kind: submission
          requires: [board-minutes]
      edges:
        - from: board-minutes
          to: file
    rules:
      company-active:
        range: ^1.0.0
    templates:
      cover-letter: "2"
overlays:
  - id: tenant-a
    version: "1"
    patch:
      source: tenant-a
      operations:
        - op: add
          path: /steps/-
          value: {id: review, kind: review}
rules:
  - id: company-active
    version: 1.0.0
    body: {check: status}
    sources:
      - sourceKey: companies-house
        records:
          - {id: "01234567", name: Acme Ltd, status: active}
  - id: company-active
    version: 1.2.0
    body: {check: status}
    sources:
      - sourceKey: companies-house
        records:
          - {id: "01234567", name: Acme Ltd, status: active}
          - {id: "07654321", name: Beta plc, status: active}
templates:
  - id: cover-letter
    version: "2"
    body: Dear registrar
`

const companiesV1 = `[
	{"id": "07654321", "name": "Beta plc", "status": "active"},
	{"id": "01234567", "name": "Acme Ltd", "status": "active"}
]`

const companiesV2 = `[
	{"id": "01234567", "name": "Acme Ltd", "status": "active"},
	{"id": "07654321", "name": "Beta plc", "status": "dissolved"}
]`

func TestCatalogImport(t *testing.T) {
	dir := workspace(t)
	path := writeFile(t, dir, "catalog.yaml", catalogYAML)

	out, err := execute(t, "--format", "json", "catalog", "import", path)
	require.NoError(t, err)
	var result CatalogImportResult
	decodeResponse(t, out, &result)
	assert.Equal(t, CatalogImportResult{Definitions: 1, Overlays: 1, Rules: 2, Templates: 1}, result)

	out, err = execute(t, "catalog", "import", path)
	require.NoError(t, err, "importing existing versions again is a no-op")
	assert.Contains(t, out, "Imported 1 definition(s)")

	out, err = execute(t, "catalog", "dependents", "companies-house")
	require.NoError(t, err)
	assert.Equal(t, "annual-filing\n", out)

	out, err = execute(t, "catalog", "dependents", "gazette")
	require.NoError(t, err)
	assert.Contains(t, out, "No workflows depend on gazette")
}

func TestCatalogImportRejectsBadSelector(t *testing.T) {
	dir := workspace(t)
	path := writeFile(t, dir, "catalog.yaml", `definitions:
  - key: x
    version: "1"
    definition: {steps: [], edges: []}
    rules:
      r1: {version: "1", range: "^1"}
`)

	_, err := execute(t, "catalog", "import", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeInvalidInput)
}

func TestResolveWritesReproducibleLockfile(t *testing.T) {
	dir := workspace(t)
	_, err := execute(t, "catalog", "import", writeFile(t, dir, "catalog.yaml", catalogYAML))
	require.NoError(t, err)

	first := filepath.Join(dir, "first.lock.json")
	second := filepath.Join(dir, "second.lock.json")

	out, err := execute(t, "resolve", "annual-filing", "3.0.0", "--overlay", "tenant-a@1", "--lock-out", first)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Resolved annual-filing@3.0.0 (3 steps)")
	assert.Contains(t, out, "rule     company-active@1.2.0")

	_, err = execute(t, "resolve", "annual-filing", "3.0.0", "--overlay", "tenant-a@1", "--lock-out", second, "--concurrency", "1")
	require.NoError(t, err)

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	lock, err := readLockfile(first)
	require.NoError(t, err)
	pin := lock.Rules["company-active"]
	assert.Equal(t, "1.2.0", pin.Version)
	require.Len(t, pin.Sources, 1)
	want := fingerprint.MustFingerprint([]fingerprint.Record{
		{"id": "01234567", "name": "Acme Ltd", "status": "active"},
		{"id": "07654321", "name": "Beta plc", "status": "active"},
	})
	assert.Equal(t, want, pin.Sources[0].Fingerprint)
	assert.Equal(t, "2", lock.Templates["cover-letter"].Version)
}

func TestResolveMissingOverlay(t *testing.T) {
	dir := workspace(t)
	_, err := execute(t, "catalog", "import", writeFile(t, dir, "catalog.yaml", catalogYAML))
	require.NoError(t, err)

	out, err := execute(t, "--format", "json", "resolve", "annual-filing", "3.0.0", "--overlay", "tenant-z@1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out, nil)
	assert.Equal(t, ErrCodeArtifactNotFound, resp.Error.Code)
	var nf lockfile.NotFoundError
	decodeDetails(t, resp, &nf)
	assert.Equal(t, lockfile.KindOverlay, nf.Kind)
	assert.Equal(t, "tenant-z", nf.ID)
}

func TestPollDetectsDriftOnce(t *testing.T) {
	dir := workspace(t)
	_, err := execute(t, "catalog", "import", writeFile(t, dir, "catalog.yaml", catalogYAML))
	require.NoError(t, err)
	records := writeFile(t, dir, "companies.json", companiesV1)

	out, err := execute(t, "--format", "json", "poll", "companies-house", "--records", records)
	require.NoError(t, err)
	var first PollResult
	decodeResponse(t, out, &first)
	require.True(t, first.Drift, "first capture counts as drift")
	assert.Equal(t, watcher.SeverityPatch, first.Event.Severity)
	assert.Equal(t, []string{"annual-filing"}, first.Event.Workflows)
	assert.NotEmpty(t, first.Event.ProposalID)

	out, err = execute(t, "poll", "companies-house", "--records", records)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ companies-house unchanged")

	writeFile(t, dir, "companies.json", companiesV2)
	out, err = execute(t, "poll", "companies-house", "--records", records)
	require.NoError(t, err)
	assert.Contains(t, out, "! companies-house drifted")
	assert.Contains(t, out, "0 added, 0 removed, 1 changed")
	assert.Contains(t, out, "affects workflow annual-filing")
}

func TestPollRequiresRecords(t *testing.T) {
	workspace(t)

	_, err := execute(t, "poll", "companies-house")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "records")
}

func TestPollBadRecords(t *testing.T) {
	dir := workspace(t)
	records := writeFile(t, dir, "companies.json", `{"id": "not-an-array"}`)

	_, err := execute(t, "poll", "companies-house", "--records", records)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeInvalidInput)
}

func TestVerifyLockfileAgainstSnapshots(t *testing.T) {
	dir := workspace(t)
	_, err := execute(t, "catalog", "import", writeFile(t, dir, "catalog.yaml", catalogYAML))
	require.NoError(t, err)
	lockPath := filepath.Join(dir, "run.lock.json")
	_, err = execute(t, "resolve", "annual-filing", "3.0.0", "--lock-out", lockPath)
	require.NoError(t, err)

	// Never polled: verification cannot fetch the source.
	_, err = execute(t, "verify", lockPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeSourceFetch)

	records := writeFile(t, dir, "companies.json", companiesV1)
	_, err = execute(t, "poll", "companies-house", "--records", records)
	require.NoError(t, err)

	out, err := execute(t, "verify", lockPath)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ company-active@1.2.0 verified")
	assert.Contains(t, out, "✓ Lockfile verified (1 rules)")

	writeFile(t, dir, "companies.json", companiesV2)
	_, err = execute(t, "poll", "companies-house", "--records", records)
	require.NoError(t, err)

	before, err := os.ReadFile(lockPath)
	require.NoError(t, err)

	out, err = execute(t, "--format", "json", "verify", lockPath)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decodeResponse(t, out, nil)
	assert.Equal(t, ErrCodeStale, resp.Error.Code)
	var result verify.Result
	decodeDetails(t, resp, &result)
	assert.Equal(t, []string{"company-active"}, result.Stale())
	assert.False(t, result.Rules[0].Sources[0].Matches)

	after, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "verify never rewrites the lockfile")
}

func TestVerifyOtherTenantHasNoSnapshots(t *testing.T) {
	dir := workspace(t)
	_, err := execute(t, "catalog", "import", writeFile(t, dir, "catalog.yaml", catalogYAML))
	require.NoError(t, err)
	lockPath := filepath.Join(dir, "run.lock.json")
	_, err = execute(t, "resolve", "annual-filing", "3.0.0", "--lock-out", lockPath)
	require.NoError(t, err)
	_, err = execute(t, "poll", "companies-house", "--records", writeFile(t, dir, "companies.json", companiesV1))
	require.NoError(t, err)

	_, err = execute(t, "verify", lockPath, "--tenant", "beta")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeSourceFetch)
}

func TestDiffCommand(t *testing.T) {
	dir := workspace(t)
	before := writeFile(t, dir, "before.json", companiesV1)
	after := writeFile(t, dir, "after.yaml", `- {id: "01234567", name: Acme Ltd, status: active}
- {id: "07654321", name: Beta plc, status: dissolved}
- {id: "09999999", name: Gamma LLP, status: active}
`)

	out, err := execute(t, "diff", before, after)
	require.NoError(t, err)
	assert.Contains(t, out, "1 added, 0 removed, 1 changed")
	assert.Contains(t, out, "+ id:09999999")
	assert.Contains(t, out, "~ id:07654321")

	out, err = execute(t, "--format", "json", "diff", before, before)
	require.NoError(t, err)
	var same DiffResult
	decodeResponse(t, out, &same)
	assert.Equal(t, same.Before, same.After)
	assert.True(t, same.Diff.Empty())
}
