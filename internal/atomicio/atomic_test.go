package atomicio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONAtomic_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	in := map[string]any{"band": "A", "mult": 1.0}
	require.NoError(t, WriteJSONAtomic(path, in))

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	// Re-writing identical content yields byte-equal output.
	require.NoError(t, WriteJSONAtomic(path, in))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var out map[string]any
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, "A", out["band"])
	assert.Equal(t, 1.0, out["mult"])
}

func TestWriteJSONAtomic_NoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"n": 1}))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestAppendJSONL_WholeLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trades.jsonl")

	require.NoError(t, AppendJSONL(path, map[string]any{"type": "open", "dir": 1}))
	require.NoError(t, AppendJSONL(path, map[string]any{"type": "close", "pct": -0.2}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	content := string(data)
	assert.True(t, strings.HasSuffix(content, "\n"))
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"open"`)
	assert.Contains(t, lines[1], `"close"`)
}

func TestReadJSON_Missing(t *testing.T) {
	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	assert.True(t, os.IsNotExist(err))
}
