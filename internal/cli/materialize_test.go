package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/complyflow/internal/overlay"
	"github.com/roach88/complyflow/internal/workflow"
)

const addReviewOverlay = `// tenant review step
{
	"source": "tenant-a",
	"operations": [
		{"op": "add", "path": "/steps/-", "value": {"id": "review", "kind": "review"}},
		{"op": "add", "path": "/edges/-", "value": {"from": "file", "to": "review"}}
	]
}`

const dropMinutesOverlay = `- op: remove
  path: /steps/0
`

func TestMaterializeOverlayFiles(t *testing.T) {
	dir := workspace(t)
	base := writeFile(t, dir, "base.yaml", baseGraphYAML)
	o := writeFile(t, dir, "review.jsonc", addReviewOverlay)

	out, err := execute(t, "materialize", base, o)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Materialized workflow (3 steps, 2 edges)")
	assert.Contains(t, out, "added: review")
}

func TestMaterializeJSONAndOutputFile(t *testing.T) {
	dir := workspace(t)
	base := writeFile(t, dir, "base.yaml", baseGraphYAML)
	o := writeFile(t, dir, "review.jsonc", addReviewOverlay)
	target := filepath.Join(dir, "merged.json")

	out, err := execute(t, "--format", "json", "materialize", base, o, "-o", target)
	require.NoError(t, err)

	var result overlay.Result
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []string{"review"}, result.Impact.AddedSteps)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	g, err := workflow.DecodeGraph(data)
	require.NoError(t, err)
	assert.Len(t, g.Steps, 3)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

func TestMaterializeRequiredStepMissing(t *testing.T) {
	dir := workspace(t)
	base := writeFile(t, dir, "base.yaml", baseGraphYAML)
	o := writeFile(t, dir, "drop.yaml", dropMinutesOverlay)

	out, err := execute(t, "--format", "json", "materialize", base, o)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out, nil)
	assert.Equal(t, ErrCodeRequiredStep, resp.Error.Code)
	assert.Equal(t, []any{"board-minutes"}, resp.Error.Details)
}

func TestMaterializePatchFailure(t *testing.T) {
	dir := workspace(t)
	base := writeFile(t, dir, "base.yaml", baseGraphYAML)
	o := writeFile(t, dir, "bad.json", `[{"op": "remove", "path": "/steps/9"}]`)

	_, err := execute(t, "materialize", base, o)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodePatchFailed)
}

func TestMaterializePackAndFilesAreExclusive(t *testing.T) {
	dir := workspace(t)
	base := writeFile(t, dir, "base.yaml", baseGraphYAML)

	_, err := execute(t, "materialize", base, "x.json", "--pack", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// writePack lays out a one-overlay pack under dir/pack.
func writePack(t *testing.T, dir string) string {
	t.Helper()
	packDir := filepath.Join(dir, "pack")
	writeFile(t, packDir, "pack.yaml", `name: uk-kyc
version: 1.0.0
overlays:
  - overlays/review.jsonc
`)
	writeFile(t, packDir, "overlays/review.jsonc", addReviewOverlay)
	return packDir
}

func TestMaterializePack(t *testing.T) {
	dir := workspace(t)
	base := writeFile(t, dir, "base.yaml", baseGraphYAML)
	packDir := writePack(t, dir)

	out, err := execute(t, "materialize", base, "--pack", packDir)
	require.NoError(t, err, "unsigned packs are accepted without --require-signed")
	assert.Contains(t, out, "added: review")

	_, err = execute(t, "materialize", base, "--pack", packDir, "--require-signed")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeSignatureMismatch)

	_, err = execute(t, "pack", "sign", packDir)
	require.NoError(t, err)

	out, err = execute(t, "materialize", base, "--pack", packDir, "--require-signed")
	require.NoError(t, err)
	assert.Contains(t, out, "3 steps")
}

func TestPackSignAndVerify(t *testing.T) {
	dir := workspace(t)
	packDir := writePack(t, dir)

	_, err := execute(t, "pack", "verify", packDir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err := execute(t, "--format", "json", "pack", "sign", packDir)
	require.NoError(t, err)
	var signed PackResult
	decodeResponse(t, out, &signed)
	assert.Equal(t, "uk-kyc", signed.Name)
	assert.Equal(t, 1, signed.Overlays)
	assert.Len(t, signed.Signature, 64)

	out, err = execute(t, "pack", "verify", packDir)
	require.NoError(t, err)
	assert.Contains(t, out, "signature valid")

	// Tampering with an overlay invalidates the signature.
	writeFile(t, packDir, "overlays/review.jsonc", `[]`)
	out, err = execute(t, "--format", "json", "pack", "verify", packDir)
	require.Error(t, err)
	var tampered PackResult
	resp := decodeResponse(t, out, nil)
	assert.Equal(t, ErrCodeSignatureMismatch, resp.Error.Code)
	decodeDetails(t, resp, &tampered)
	assert.False(t, tampered.Valid)
	assert.NotEqual(t, signed.Signature, tampered.Signature)
}
