package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	require.NoError(t, err)

	assert.Equal(t, "save", c.Get("global", "memory mode", "save"))
	assert.Equal(t, int64(3600), c.GetNumber("global", "history", 3600))
}

func TestFileValuesWinOverDefaults(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "netdata.conf")
	require.NoError(t, os.WriteFile(file, []byte(`
global:
  update every: 2
  memory mode: ram
system.cpu:
  history: 500
  enabled: no
`), 0o644))

	c, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, int64(2), c.GetNumber("global", "update every", 1))
	assert.Equal(t, "ram", c.Get("global", "memory mode", "save"))
	assert.Equal(t, int64(500), c.GetNumber("system.cpu", "history", 3600))
	assert.False(t, c.GetBoolean("system.cpu", "enabled", true))
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("TEST_HISTORY", "77")

	dir := t.TempDir()
	file := filepath.Join(dir, "netdata.conf")
	require.NoError(t, os.WriteFile(file, []byte("global:\n  history: ${TEST_HISTORY}\n"), 0o644))

	c, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, int64(77), c.GetNumber("global", "history", 3600))
}

func TestDumpShowsEffectiveValues(t *testing.T) {
	c := New()
	c.Get("global", "update every", "1")
	c.GetNumber("apps.cpu", "history", 3600)
	c.SetNumber("apps.cpu", "history", 5)

	out := string(c.Dump())
	assert.Contains(t, out, "global:")
	assert.Contains(t, out, "update every:")
	assert.Contains(t, out, "apps.cpu:")
	assert.Contains(t, out, `history: "5"`)
}
