package mcp

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigStoreAddLoadRemove(t *testing.T) {
	dir := t.TempDir()
	store := NewConfigStore(dir)

	record, err := store.Add("fichiers", "npx", []string{"-y", "@modelcontextprotocol/server-filesystem"}, nil, true)
	require.NoError(t, err)
	assert.Len(t, record.ID, 8)

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "fichiers", loaded[0].Name)
	assert.True(t, loaded[0].Enabled)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(dir, "mcp_servers.json"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	removed, err := store.Remove(record.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Remove(record.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestConfigStoreRejectsDuplicateCommandArgs(t *testing.T) {
	store := NewConfigStore(t.TempDir())

	_, err := store.Add("a", "node", []string{"serveur.js"}, nil, false)
	require.NoError(t, err)

	_, err = store.Add("b", "node", []string{"serveur.js"}, nil, false)
	assert.ErrorContains(t, err, "existe deja")

	// Same command, different args is fine.
	_, err = store.Add("c", "node", []string{"autre.js"}, nil, false)
	assert.NoError(t, err)
}

func TestConfigStoreRejectsInvalidCommand(t *testing.T) {
	store := NewConfigStore(t.TempDir())

	_, err := store.Add("danger", "rm", []string{"-rf", "/"}, nil, false)
	assert.Error(t, err)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestConfigStoreSetEnabled(t *testing.T) {
	store := NewConfigStore(t.TempDir())

	record, err := store.Add("a", "node", []string{"s.js"}, nil, true)
	require.NoError(t, err)

	require.NoError(t, store.SetEnabled(record.ID, false))
	loaded, err := store.Load()
	require.NoError(t, err)
	assert.False(t, loaded[0].Enabled)

	assert.Error(t, store.SetEnabled("inconnu", true))
}
