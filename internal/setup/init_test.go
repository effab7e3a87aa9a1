package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskvault/internal/model"
)

func TestRun_CreatesVault(t *testing.T) {
	projectDir := t.TempDir()

	layout, err := Run(projectDir, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(projectDir, VaultDirName), layout.Root)

	for _, d := range []string{layout.Inbox(), layout.Logs(), layout.Locks(), layout.Quarantine()} {
		info, err := os.Stat(d)
		require.NoError(t, err, d)
		assert.True(t, info.IsDir(), d)
	}
	for _, coll := range model.AllCollections() {
		info, err := os.Stat(filepath.Join(layout.Records(), coll))
		require.NoError(t, err, coll)
		assert.True(t, info.IsDir(), coll)
	}
	_, err = os.Stat(layout.DaemonLock())
	assert.NoError(t, err)

	cfg, err := model.LoadConfig(layout.Config())
	require.NoError(t, err)
	assert.Equal(t, model.DefaultConfig(), cfg)
}

func TestRun_SQLiteBackend(t *testing.T) {
	projectDir := t.TempDir()

	layout, err := Run(projectDir, "sqlite")
	require.NoError(t, err)

	cfg, err := model.LoadConfig(layout.Config())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	_, err = os.Stat(filepath.Join(layout.Root, "store.db"))
	assert.NoError(t, err)
}

func TestRun_RejectsExistingVault(t *testing.T) {
	projectDir := t.TempDir()
	_, err := Run(projectDir, "")
	require.NoError(t, err)

	_, err = Run(projectDir, "")
	assert.ErrorContains(t, err, "already exists")
}

func TestRun_RejectsUnknownBackend(t *testing.T) {
	_, err := Run(t.TempDir(), "postgres")
	assert.ErrorContains(t, err, "store.backend")
}

func TestFindVault(t *testing.T) {
	projectDir := t.TempDir()
	layout, err := Run(projectDir, "")
	require.NoError(t, err)

	nested := filepath.Join(projectDir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	found, err := FindVault(nested)
	require.NoError(t, err)
	assert.Equal(t, layout.Root, found.Root)

	_, err = FindVault(t.TempDir())
	assert.ErrorIs(t, err, ErrNoVault)
}
