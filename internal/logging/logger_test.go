package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONUnderDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	runtimeLogger, err := New(context.Background(), WithDir(dir), WithRunID("run-7"), WithSessionID("s-1"))
	require.NoError(t, err)

	runtimeLogger.Logger.Info("command completed", "operation", "list_layers")
	require.NoError(t, runtimeLogger.Close())

	path := runtimeLogger.Path()
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "cmdbridge-"))
	assert.True(t, strings.HasSuffix(path, "-run-7.log"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &record))
	assert.Equal(t, "command completed", record["msg"])
	assert.Equal(t, "run-7", record["run_id"])
	assert.Equal(t, "s-1", record["session_id"])
	assert.Equal(t, "list_layers", record["operation"])
}

func TestWithSessionIDUpdatesFields(t *testing.T) {
	t.Parallel()

	runtimeLogger, err := New(context.Background(), WithDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = runtimeLogger.Close() })

	runtimeLogger.WithSessionID("later").Logger.Info("session started")
	require.NoError(t, runtimeLogger.Close())

	data, err := os.ReadFile(runtimeLogger.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session_id":"later"`)
}

func TestNewWriterFiltersByLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewWriter(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown", "kind", "forwarding")

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, `"msg":"shown"`)
	assert.Contains(t, output, `"kind":"forwarding"`)
}

func TestNilRuntimeLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var runtimeLogger *RuntimeLogger
	assert.NoError(t, runtimeLogger.Close())
	assert.Empty(t, runtimeLogger.Path())
	assert.Nil(t, runtimeLogger.WithRunID("x"))
}
