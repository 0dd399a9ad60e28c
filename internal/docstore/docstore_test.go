package docstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "doc.json")

	require.NoError(t, Save(path, doc{Name: "world", Count: 3}))

	var got doc
	require.NoError(t, Load(path, &got))
	assert.Equal(t, doc{Name: "world", Count: 3}, got)
}

func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	require.NoError(t, Save(path, doc{Name: "a"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "leftover temp file: %s", e.Name())
	}
}

func TestLoadMissingFileReturnsErrNotExist(t *testing.T) {
	var got doc
	err := Load(filepath.Join(t.TempDir(), "missing.json"), &got)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadEmptyFileIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	got := doc{Name: "unchanged"}
	require.NoError(t, Load(path, &got))
	assert.Equal(t, "unchanged", got.Name)
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, Save(path, doc{Name: "first", Count: 1}))
	require.NoError(t, Save(path, doc{Name: "second", Count: 2}))

	var got doc
	require.NoError(t, Load(path, &got))
	assert.Equal(t, doc{Name: "second", Count: 2}, got)
}
