package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventcore/internal/compiler"
)

var declarationsDir = filepath.Join("..", "..", "testdata", "declarations")

// writeDeclarations writes CUE files into a fresh directory.
func writeDeclarations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func runValidateCmd(t *testing.T, opts *RootOptions, dir string) (string, string, error) {
	t.Helper()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd := NewValidateCommand(opts)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs([]string{dir})
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestValidateValidDeclarations(t *testing.T) {
	out, _, err := runValidateCmd(t, &RootOptions{Format: "text"}, declarationsDir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ All declarations valid (2 processor(s))")
}

func TestValidateValidDeclarationsJSON(t *testing.T) {
	out, _, err := runValidateCmd(t, &RootOptions{Format: "json"}, declarationsDir)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["valid"])
	assert.Len(t, data["processors"], 2)
}

func TestValidateNonExistentDirectory(t *testing.T) {
	out, _, err := runValidateCmd(t, &RootOptions{Format: "text"}, "/nonexistent/directory/path")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNotFound)
	assert.Contains(t, out, "not found")
}

func TestValidateEmptyDirectory(t *testing.T) {
	out, _, err := runValidateCmd(t, &RootOptions{Format: "text"}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeNoFiles)
	assert.Contains(t, out, "no CUE files found")
}

func TestValidateNoProcessors(t *testing.T) {
	dir := writeDeclarations(t, map[string]string{
		"empty.cue": "package test\n\nsettings: { verbose: true }\n",
	})

	out, _, err := runValidateCmd(t, &RootOptions{Format: "text"}, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "no processors declared")
}

func TestValidateInvalidDeclarations(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		wantCode string
		wantText string
	}{
		{
			name:     "unknown kind",
			src:      `processor: audit: { source: "orders", kind: "webhook" }`,
			wantCode: compiler.ErrUnknownKind,
			wantText: `unknown kind "webhook"`,
		},
		{
			name:     "filter target equals source",
			src:      `processor: copy: { source: "orders", kind: "filter", filter: { types: ["A"], target: "orders" } }`,
			wantCode: compiler.ErrFilterTarget,
			wantText: "equals the source stream",
		},
		{
			name:     "filter without block",
			src:      `processor: copy: { source: "orders", kind: "filter" }`,
			wantCode: compiler.ErrFilterRequired,
			wantText: "filter block is required",
		},
		{
			name:     "missing source",
			src:      `processor: audit: { kind: "log" }`,
			wantCode: compiler.ErrSourceRequired,
			wantText: "source is required",
		},
		{
			name:     "retry bounds",
			src:      `processor: audit: { source: "orders", kind: "log", retry: { initial: "1m", max: "1s" } }`,
			wantCode: compiler.ErrRetryBounds,
			wantText: "exceeds max",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeDeclarations(t, map[string]string{"bad.cue": "package test\n\n" + tt.src + "\n"})

			out, _, err := runValidateCmd(t, &RootOptions{Format: "text"}, dir)
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			assert.Contains(t, err.Error(), "validation failed")
			assert.Contains(t, out, "✗ Validation failed")
			assert.Contains(t, out, tt.wantCode)
			assert.Contains(t, out, tt.wantText)
		})
	}
}

func TestValidateInvalidDeclarationsJSON(t *testing.T) {
	dir := writeDeclarations(t, map[string]string{
		"bad.cue": "package test\n\nprocessor: audit: { source: \"orders\", kind: \"webhook\" }\n",
	})

	out, _, err := runValidateCmd(t, &RootOptions{Format: "json"}, dir)
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, compiler.ErrUnknownKind, resp.Error.Code)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	dir := writeDeclarations(t, map[string]string{
		"a.cue": "package test\n\nprocessor: first: { source: \"orders\", kind: \"webhook\" }\n",
		"b.cue": "package test\n\nprocessor: second: { source: \"orders\", kind: \"log\", batch: 10 }\n",
	})

	out, _, err := runValidateCmd(t, &RootOptions{Format: "text"}, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 error(s)")
	assert.Contains(t, out, "unknown kind")
	assert.Contains(t, out, "processor.second: batch: unknown field")
}

func TestValidateVerboseOutput(t *testing.T) {
	_, stderr, err := runValidateCmd(t, &RootOptions{Format: "text", Verbose: true}, declarationsDir)
	require.NoError(t, err)

	// Verbose logs go to stderr to avoid corrupting JSON output
	assert.Contains(t, stderr, "Found 1 CUE file(s)")
	assert.Contains(t, stderr, "Validating processor: order-log (log on orders)")
}

func TestValidateDeclarationsDir(t *testing.T) {
	specs, err := ValidateDeclarationsDir(declarationsDir)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	byName := map[string]compiler.ProcessorSpec{}
	for _, s := range specs {
		byName[string(s.Name)] = s
	}
	filter := byName["placed-orders"]
	require.NotNil(t, filter.Filter)
	assert.Equal(t, compiler.KindFilter, filter.Kind)
	assert.True(t, filter.Partitioned)
	assert.Equal(t, []string{"OrderPlaced"}, filter.Filter.Types)
}

func TestValidateDeclarationsDirInvalid(t *testing.T) {
	dir := writeDeclarations(t, map[string]string{
		"bad.cue": "package test\n\nprocessor: copy: { source: \"orders\", kind: \"filter\" }\n",
	})

	_, err := ValidateDeclarationsDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), compiler.ErrFilterRequired)
}

func TestValidateDeclarationsDirNonExistent(t *testing.T) {
	_, err := ValidateDeclarationsDir("/nonexistent/directory")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMapFieldToErrorCode(t *testing.T) {
	tests := []struct {
		field    string
		expected string
	}{
		{"source", compiler.ErrSourceRequired},
		{"kind", compiler.ErrUnknownKind},
		{"filter.types", compiler.ErrFilterTypes},
		{"filter.target", compiler.ErrFilterTarget},
		{"retry.initial", compiler.ErrRetryBounds},
		{"retry.max", compiler.ErrRetryBounds},
		{"batch", ErrCodeGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			assert.Equal(t, tt.expected, MapFieldToErrorCode(tt.field))
		})
	}
}
