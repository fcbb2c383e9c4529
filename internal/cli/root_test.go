package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// workspace switches to an empty directory so the default config and the
// default complyflow.db land in a temp dir.
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

// writeFile writes content under dir and returns its path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// decodeResponse parses a JSON CLI response and decodes its data into v.
func decodeResponse(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	if v != nil && resp.Data != nil {
		data, err := json.Marshal(resp.Data)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, v))
	}
	return resp
}

// decodeDetails decodes the error details of a JSON CLI response into v.
func decodeDetails(t *testing.T, resp CLIResponse, v any) {
	t.Helper()
	require.NotNil(t, resp.Error)
	data, err := json.Marshal(resp.Error.Details)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "complyflow", cmd.Use)
	assert.Contains(t, cmd.Long, "lockfiles")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"validate"},
		{"materialize"},
		{"catalog", "import"},
		{"catalog", "dependents"},
		{"resolve"},
		{"verify"},
		{"poll"},
		{"diff"},
		{"pack", "sign"},
		{"pack", "verify"},
		{"test"},
	}

	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Empty(t, configFlag.DefValue)
}

func TestPollCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	pollCmd, _, err := cmd.Find([]string{"poll"})
	require.NoError(t, err)

	recordsFlag := pollCmd.Flags().Lookup("records")
	require.NotNil(t, recordsFlag)
	assert.Equal(t, "true", recordsFlag.Annotations[cobra.BashCompOneRequiredFlag][0])
}

func TestInvalidFormat(t *testing.T) {
	workspace(t)

	_, err := execute(t, "--format", "xml", "diff", "a.json", "b.json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestInvalidConfig(t *testing.T) {
	dir := workspace(t)
	path := writeFile(t, dir, "bad.yaml", "store:\n  driver: mysql\n")

	_, err := execute(t, "--config", path, "diff", "a.json", "b.json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "load config")
}

func TestParseOverlayRefs(t *testing.T) {
	refs, err := parseOverlayRefs([]string{"uk-kyc@3.0.0", "acme@eu@1"})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "uk-kyc", refs[0].ID)
	assert.Equal(t, "3.0.0", refs[0].Version)
	assert.Equal(t, "acme@eu", refs[1].ID)
	assert.Equal(t, "1", refs[1].Version)

	for _, bad := range []string{"noversion", "@1", "id@"} {
		_, err := parseOverlayRefs([]string{bad})
		assert.Error(t, err, bad)
	}
}
