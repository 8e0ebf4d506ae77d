package main

import (
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/netdata/rrdserver/cmd/rrdserver/app"
	"github.com/netdata/rrdserver/pkg/config"
	"github.com/netdata/rrdserver/pkg/util/log"
)

const appName = "rrdserver"

func main() {
	cfg, conf, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	log.InitLogger(cfg.LogLevel)

	if cfg.RunAsUser != "" {
		checkRunAsUser(cfg.RunAsUser)
	}

	a, err := app.New(*cfg, conf)
	if err != nil {
		level.Error(log.Logger).Log("msg", "error initialising "+appName, "err", err)
		os.Exit(1)
	}

	level.Info(log.Logger).Log("msg", "starting "+appName, "port", cfg.Port,
		"memory_mode", cfg.DB.MemoryModeName, "history", cfg.DB.HistoryEntries,
		"update_every", cfg.DB.UpdateEvery)

	if err := a.Run(); err != nil {
		level.Error(log.Logger).Log("msg", "error running "+appName, "err", err)
		if errors.Is(err, app.ErrListener) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	level.Info(log.Logger).Log("msg", "exiting")
}

// loadConfig merges flags with the configuration file. The file defaults
// to netdata.conf under NETDATA_CONFIG_DIR and may be absent.
func loadConfig() (*app.Config, *config.Config, error) {
	configDir := os.Getenv("NETDATA_CONFIG_DIR")

	var configFile string
	flag.StringVar(&configFile, "config.file", filepath.Join(configDir, "netdata.conf"), "Configuration file to load.")

	cfg := &app.Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.CommandLine)
	flag.Parse()

	conf, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	cfg.ApplyConfigFile(conf)

	if cfg.DB.UpdateEvery < 1 || cfg.DB.UpdateEvery > 3600 {
		return nil, nil, errors.Errorf("invalid update every %d, must be within [1, 3600]", cfg.DB.UpdateEvery)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, nil, errors.Errorf("invalid port %d", cfg.Port)
	}

	return cfg, conf, nil
}

// checkRunAsUser only validates the configured account: privilege dropping
// belongs to the init system, so a mismatch is reported and ignored.
func checkRunAsUser(name string) {
	current, err := user.Current()
	if err != nil {
		return
	}
	if current.Username != name {
		level.Warn(log.Logger).Log("msg", "running as a different user than configured",
			"configured", name, "running_as", current.Username)
	}
}
