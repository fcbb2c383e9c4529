package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/complyflow/internal/validator"
)

const baseGraphYAML = `id: annual-filing
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
`

const brokenGraphJSON = `{
	"id": "annual-filing",
	"steps": [
		{"id": "file", "kind": "submission", "execution": {"mode": "external:webhook", "url": "https://example.com/hook"}}
	],
	"edges": [{"from": "file", "to": "ghost"}]
}`

func TestValidateValidGraph(t *testing.T) {
	dir := workspace(t)
	path := writeFile(t, dir, "base.yaml", baseGraphYAML)

	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Workflow graph valid (2 steps)")
}

func TestValidateValidGraphJSON(t *testing.T) {
	dir := workspace(t)
	path := writeFile(t, dir, "base.yaml", baseGraphYAML)

	out, err := execute(t, "--format", "json", "validate", path)
	require.NoError(t, err)

	var result ValidationResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.Steps)
}

func TestValidateReportsEveryIssue(t *testing.T) {
	dir := workspace(t)
	path := writeFile(t, dir, "broken.json", brokenGraphJSON)

	out, err := execute(t, "--format", "json", "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var result ValidationResult
	resp := decodeResponse(t, out, &result)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeGraphInvalid, resp.Error.Code)
	assert.False(t, result.Valid)

	codes := make([]string, len(result.Issues))
	for i, issue := range result.Issues {
		codes[i] = issue.Code
	}
	assert.Contains(t, codes, validator.ErrDanglingEdgeTo)
	assert.Contains(t, codes, validator.ErrRawURL)
	assert.Contains(t, codes, validator.ErrMissingURLAlias)
}

func TestValidateTextOutputNamesSteps(t *testing.T) {
	dir := workspace(t)
	path := writeFile(t, dir, "broken.json", brokenGraphJSON)

	out, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "step file")
	assert.Contains(t, out, validator.ErrRawURL)
}

func TestValidateMissingFile(t *testing.T) {
	workspace(t)

	out, err := execute(t, "validate", "missing.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNotFound)
	assert.Contains(t, out, "file not found")
}

func TestValidateUnsupportedExtension(t *testing.T) {
	dir := workspace(t)
	path := writeFile(t, dir, "base.toml", "id = 'x'")

	_, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeInvalidInput)
}
