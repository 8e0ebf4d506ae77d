package pluginsd

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/netdata/rrdserver/pkg/config"
	"github.com/netdata/rrdserver/pkg/util/log"
	"github.com/netdata/rrdserver/rrddb"
)

const pluginSuffix = ".plugin"

// Config drives the plugin supervisor.
type Config struct {
	Directory    string `yaml:"directory"`
	ScanEvery    int    `yaml:"scan_every"`
	AutomaticRun bool   `yaml:"automatic_run"`
}

// RegisterFlagsAndApplyDefaults registers the supervisor flags.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Directory, prefix+"plugins.directory", "plugins.d", "Directory scanned for *.plugin executables.")
	f.IntVar(&c.ScanEvery, prefix+"plugins.scan-every", 60, "Seconds between plugin directory scans.")
	f.BoolVar(&c.AutomaticRun, prefix+"plugins.automatic-run", false, "Run newly found plugins without a configuration entry.")
}

// plugin is one supervised external producer.
type plugin struct {
	id           string // "plugin:<name>"
	filename     string
	fullFilename string
	options      string
	updateEvery  int

	mtx      sync.Mutex
	enabled  bool
	obsolete bool
	cancel   context.CancelFunc
}

// Manager scans the plugins directory, spawns one reader per executable
// producer, and respawns finished readers while they stay enabled.
type Manager struct {
	services.Service

	cfg    Config
	reg    *rrddb.Registry
	conf   *config.Config
	logger kitlog.Logger

	mtx     sync.Mutex
	plugins map[string]*plugin
	workers sync.WaitGroup
}

// New builds the plugin supervisor.
func New(cfg Config, reg *rrddb.Registry, conf *config.Config) *Manager {
	if cfg.ScanEvery < 1 {
		cfg.ScanEvery = 1
	}
	m := &Manager{
		cfg:     cfg,
		reg:     reg,
		conf:    conf,
		logger:  kitlog.With(log.Logger, "component", "pluginsd"),
		plugins: map[string]*plugin{},
	}
	m.Service = services.NewBasicService(nil, m.running, m.stopping)
	return m
}

func (m *Manager) running(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(m.cfg.ScanEvery) * time.Second)
	defer ticker.Stop()

	m.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

func (m *Manager) stopping(_ error) error {
	m.mtx.Lock()
	for _, cd := range m.plugins {
		cd.mtx.Lock()
		if cd.cancel != nil {
			cd.cancel()
		}
		cd.mtx.Unlock()
	}
	m.mtx.Unlock()

	m.workers.Wait()
	return nil
}

// scan walks the plugins directory and launches every enabled *.plugin
// file that is not already running.
func (m *Manager) scan(ctx context.Context) {
	entries, err := os.ReadDir(m.cfg.Directory)
	if err != nil {
		level.Error(m.logger).Log("msg", "cannot open plugins directory", "dir", m.cfg.Directory, "err", err)
		return
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, pluginSuffix) {
			continue
		}

		pluginName := strings.TrimSuffix(name, pluginSuffix)
		if !m.conf.GetBoolean("plugins", pluginName, m.cfg.AutomaticRun) {
			continue
		}

		m.mtx.Lock()
		cd, known := m.plugins[name]
		if known {
			cd.mtx.Lock()
			running := !cd.obsolete
			stillEnabled := cd.enabled
			cd.mtx.Unlock()
			if running || !stillEnabled {
				m.mtx.Unlock()
				continue
			}
			cd.obsolete = false
		} else {
			cd = &plugin{
				id:           "plugin:" + pluginName,
				filename:     name,
				fullFilename: filepath.Join(m.cfg.Directory, name),
				enabled:      true,
			}
			cd.updateEvery = int(m.conf.GetNumber(cd.id, "update every", int64(m.reg.UpdateEvery())))
			cd.options = m.conf.Get(cd.id, "command options", "")
			m.plugins[name] = cd
		}
		m.mtx.Unlock()

		m.workers.Add(1)
		go m.worker(ctx, cd)
	}
}

// worker runs one producer: spawn, read the protocol until the child
// exits or faults, then respawn after update_every while still enabled.
func (m *Manager) worker(ctx context.Context, cd *plugin) {
	defer m.workers.Done()
	defer func() {
		cd.mtx.Lock()
		cd.obsolete = true
		cd.mtx.Unlock()
	}()

	logger := kitlog.With(m.logger, "plugin", cd.filename)

	for ctx.Err() == nil {
		runID := uuid.New().String()[:8]
		if err := m.runOnce(ctx, cd, kitlog.With(logger, "run", runID)); err != nil {
			cd.mtx.Lock()
			cd.enabled = false
			cd.mtx.Unlock()
		}

		cd.mtx.Lock()
		enabled := cd.enabled
		cd.mtx.Unlock()
		if !enabled {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(cd.updateEvery) * time.Second):
		}
	}
}

func (m *Manager) runOnce(ctx context.Context, cd *plugin, logger kitlog.Logger) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cd.mtx.Lock()
	cd.cancel = cancel
	cd.mtx.Unlock()

	args := []string{strconv.Itoa(cd.updateEvery)}
	if cd.options != "" {
		args = append(args, strings.Fields(cd.options)...)
	}

	cmd := exec.CommandContext(runCtx, cd.fullFilename, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		level.Error(logger).Log("msg", "cannot start plugin", "err", err)
		return err
	}
	level.Info(logger).Log("msg", "started plugin", "pid", cmd.Process.Pid, "update_every", cd.updateEvery)

	parser := NewParser(m.reg, logger, cd.updateEvery)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var fault error
	for scanner.Scan() {
		if err := parser.Process(scanner.Text()); err != nil {
			fault = err
			level.Error(logger).Log("msg", "disabling plugin", "err", err)
			_ = cmd.Process.Signal(syscall.SIGTERM)
			break
		}
	}

	_ = cmd.Wait()
	cd.updateEvery = parser.UpdateEvery()

	if fault != nil {
		return fault
	}

	if parser.Sets() == 0 {
		level.Error(logger).Log("msg", "plugin does not generate useful output, disabling it")
		return errors.Wrap(ErrDisable, "no useful output")
	}

	level.Info(logger).Log("msg", "plugin exited, will respawn")
	return nil
}
