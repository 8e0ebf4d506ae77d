package app

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdata/rrdserver/pkg/config"
)

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	fs := flag.NewFlagSet("", flag.PanicOnError)
	cfg.RegisterFlagsAndApplyDefaults("", fs)
	require.NoError(t, fs.Parse(nil))

	assert.Equal(t, 19999, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "save", cfg.DB.MemoryModeName)
	assert.Equal(t, 3600, cfg.DB.HistoryEntries)
	assert.Equal(t, 1, cfg.DB.UpdateEvery)
	assert.Equal(t, "plugins.d", cfg.PluginsD.Directory)
}

func TestApplyConfigFile(t *testing.T) {
	cfg := &Config{}
	fs := flag.NewFlagSet("", flag.PanicOnError)
	cfg.RegisterFlagsAndApplyDefaults("", fs)
	require.NoError(t, fs.Parse(nil))

	conf := config.New()
	conf.Set("global", "port", "20000")
	conf.Set("global", "memory mode", "ram")
	conf.Set("global", "history", "600")
	conf.Set("global", "update every", "2")
	conf.Set("plugins", "plugins directory", "/opt/plugins")

	cfg.ApplyConfigFile(conf)

	assert.Equal(t, 20000, cfg.Port)
	assert.Equal(t, "ram", cfg.DB.MemoryModeName)
	assert.Equal(t, 600, cfg.DB.HistoryEntries)
	assert.Equal(t, 2, cfg.DB.UpdateEvery)
	assert.Equal(t, "/opt/plugins", cfg.PluginsD.Directory)
}
