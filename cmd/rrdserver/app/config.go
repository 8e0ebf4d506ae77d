package app

import (
	"flag"

	"github.com/netdata/rrdserver/modules/ingester/pluginsd"
	"github.com/netdata/rrdserver/modules/ingester/procfs"
	"github.com/netdata/rrdserver/pkg/config"
	"github.com/netdata/rrdserver/rrddb"
)

// Config is the root configuration of the server.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	Port      int    `yaml:"port"`
	Hostname  string `yaml:"hostname"`
	RunAsUser string `yaml:"run_as_user"`
	SaveEvery int    `yaml:"save_every"`

	DB       rrddb.Config    `yaml:"db"`
	PluginsD pluginsd.Config `yaml:"plugins"`
	Proc     procfs.Config   `yaml:"proc"`
}

// RegisterFlagsAndApplyDefaults registers all flags with their defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.LogLevel, prefix+"log.level", "info", "Log level: debug, info, warn, error.")
	f.IntVar(&c.Port, prefix+"port", 19999, "HTTP listen port.")
	f.StringVar(&c.Hostname, prefix+"hostname", "", "Hostname presented to clients. Empty means the system hostname.")
	f.StringVar(&c.RunAsUser, prefix+"run-as-user", "", "Declared run-as user, from the configuration file.")
	f.IntVar(&c.SaveEvery, prefix+"db.save-every", 3600, "Seconds between periodic database saves.")

	c.DB.RegisterFlagsAndApplyDefaults(prefix, f)
	c.PluginsD.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Proc.RegisterFlagsAndApplyDefaults(prefix, f)
}

// ApplyConfigFile overrides the defaults with the global section of the
// runtime configuration file, the way the original key names spell them.
func (c *Config) ApplyConfigFile(conf *config.Config) {
	c.LogLevel = conf.Get("global", "log level", c.LogLevel)
	c.Port = int(conf.GetNumber("global", "port", int64(c.Port)))
	c.Hostname = conf.Get("global", "hostname", c.Hostname)
	c.RunAsUser = conf.Get("global", "run as user", c.RunAsUser)
	c.SaveEvery = int(conf.GetNumber("global", "save database every", int64(c.SaveEvery)))

	c.DB.UpdateEvery = int(conf.GetNumber("global", "update every", int64(c.DB.UpdateEvery)))
	c.DB.HistoryEntries = int(conf.GetNumber("global", "history", int64(c.DB.HistoryEntries)))
	c.DB.MemoryModeName = conf.Get("global", "memory mode", c.DB.MemoryModeName)
	c.DB.Dir = conf.Get("global", "database directory", c.DB.Dir)
	c.DB.GapWhenLostIterations = conf.GetNumber("global", "gap when lost iterations above", c.DB.GapWhenLostIterations)

	c.PluginsD.Directory = conf.Get("plugins", "plugins directory", c.PluginsD.Directory)
	c.PluginsD.ScanEvery = int(conf.GetNumber("plugins", "check for new plugins every", int64(c.PluginsD.ScanEvery)))
	c.PluginsD.AutomaticRun = conf.GetBoolean("plugins", "enable running new plugins", c.PluginsD.AutomaticRun)
}
