// Package procfs is the in-process producer: it reads Linux /proc files
// and feeds the chart API directly, and it maintains the engine's
// self-monitoring charts.
package procfs

import (
	"context"
	"flag"
	"os"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"golang.org/x/sys/unix"

	"github.com/netdata/rrdserver/pkg/config"
	"github.com/netdata/rrdserver/pkg/stats"
	"github.com/netdata/rrdserver/pkg/util/log"
	"github.com/netdata/rrdserver/rrddb"
)

// Config drives the /proc collector.
type Config struct {
	HostPrefix  string `yaml:"host_prefix"`
	UpdateEvery int    `yaml:"update_every"`
}

// RegisterFlagsAndApplyDefaults registers the collector flags. The host
// prefix defaults from NETDATA_HOST_PREFIX, the external plugin convention.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.HostPrefix, prefix+"proc.host-prefix", os.Getenv("NETDATA_HOST_PREFIX"), "Prefix prepended to /proc paths.")
	f.IntVar(&c.UpdateEvery, prefix+"proc.update-every", 0, "Collector cadence, seconds. Zero inherits the engine cadence.")
}

// Collector runs all /proc sub-collectors on one cadence.
type Collector struct {
	services.Service

	cfg    Config
	reg    *rrddb.Registry
	conf   *config.Config
	logger kitlog.Logger

	stat    *statCollector
	meminfo *meminfoCollector
	netdev  *netdevCollector
	self    *selfCollector
}

// New builds the collector.
func New(cfg Config, reg *rrddb.Registry, conf *config.Config) *Collector {
	if cfg.UpdateEvery < 1 {
		cfg.UpdateEvery = reg.UpdateEvery()
	}

	c := &Collector{
		cfg:    cfg,
		reg:    reg,
		conf:   conf,
		logger: kitlog.With(log.Logger, "component", "procfs"),
	}

	if conf.GetBoolean("plugin:proc", "/proc/stat", true) {
		c.stat = &statCollector{c: c}
	}
	if conf.GetBoolean("plugin:proc", "/proc/meminfo", true) {
		c.meminfo = &meminfoCollector{c: c}
	}
	if conf.GetBoolean("plugin:proc", "/proc/net/dev", true) {
		c.netdev = &netdevCollector{c: c}
	}
	if conf.GetBoolean("plugin:proc", "netdata server resources", true) {
		c.self = &selfCollector{c: c}
	}

	c.Service = services.NewBasicService(nil, c.running, nil)
	return c
}

// running works one collection cycle per update_every, measuring its own
// duration and sleeping the remainder (at least half the cadence).
func (c *Collector) running(ctx context.Context) error {
	updateEvery := time.Duration(c.cfg.UpdateEvery) * time.Second

	var worked, slept time.Duration
	for {
		start := time.Now()

		c.collect()

		worked = time.Since(start)
		if worked < updateEvery/2 {
			slept = updateEvery - worked
		} else {
			slept = updateEvery / 2
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(slept):
		}
	}
}

func (c *Collector) collect() {
	if c.stat != nil {
		if err := c.stat.collect(); err != nil {
			level.Error(c.logger).Log("msg", "disabling /proc/stat", "err", err)
			c.stat = nil
		}
	}
	if c.meminfo != nil {
		if err := c.meminfo.collect(); err != nil {
			level.Error(c.logger).Log("msg", "disabling /proc/meminfo", "err", err)
			c.meminfo = nil
		}
	}
	if c.netdev != nil {
		if err := c.netdev.collect(); err != nil {
			level.Error(c.logger).Log("msg", "disabling /proc/net/dev", "err", err)
			c.netdev = nil
		}
	}
	if c.self != nil {
		if err := c.self.collect(); err != nil {
			level.Error(c.logger).Log("msg", "disabling self monitoring", "err", err)
			c.self = nil
		}
	}
}

func (c *Collector) procPath(p string) string {
	return c.cfg.HostPrefix + p
}

// selfCollector feeds the engine's own resource usage charts from the
// process-wide statistics counters.
type selfCollector struct {
	c *Collector

	stCPU      *rrddb.Chart
	stClients  *rrddb.Chart
	stRequests *rrddb.Chart
	stNet      *rrddb.Chart
}

func (s *selfCollector) collect() error {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return err
	}

	c := s.c
	ue := int64(c.cfg.UpdateEvery)
	g := stats.Get()

	if s.stCPU == nil {
		s.stCPU = c.reg.FindByID("netdata.server_cpu")
	}
	if s.stCPU == nil {
		var err error
		s.stCPU, err = c.reg.CreateOrGet(rrddb.ChartOptions{
			Type: "netdata", ID: "server_cpu", Family: "netdata",
			Title: "NetData CPU usage", Units: "milliseconds/s",
			Priority: 9999, UpdateEvery: c.cfg.UpdateEvery, ChartType: rrddb.ChartTypeStacked,
		})
		if err != nil {
			return err
		}
		if _, err := c.reg.AddDimension(s.stCPU, "user", "", 1, 1000*ue, rrddb.AlgorithmIncremental); err != nil {
			return err
		}
		if _, err := c.reg.AddDimension(s.stCPU, "system", "", 1, 1000*ue, rrddb.AlgorithmIncremental); err != nil {
			return err
		}
	} else {
		s.stCPU.Next()
	}
	s.stCPU.SetDimension("user", ru.Utime.Sec*1000000+int64(ru.Utime.Usec))
	s.stCPU.SetDimension("system", ru.Stime.Sec*1000000+int64(ru.Stime.Usec))
	s.stCPU.Done()

	if s.stClients == nil {
		s.stClients = c.reg.FindByID("netdata.clients")
	}
	if s.stClients == nil {
		var err error
		s.stClients, err = c.reg.CreateOrGet(rrddb.ChartOptions{
			Type: "netdata", ID: "clients", Family: "netdata",
			Title: "NetData Web Clients", Units: "connected clients",
			Priority: 11000, UpdateEvery: c.cfg.UpdateEvery, ChartType: rrddb.ChartTypeLine,
		})
		if err != nil {
			return err
		}
		if _, err := c.reg.AddDimension(s.stClients, "clients", "", 1, 1, rrddb.AlgorithmAbsolute); err != nil {
			return err
		}
	} else {
		s.stClients.Next()
	}
	s.stClients.SetDimension("clients", g.ConnectedClients.Load())
	s.stClients.Done()

	if s.stRequests == nil {
		s.stRequests = c.reg.FindByID("netdata.requests")
	}
	if s.stRequests == nil {
		var err error
		s.stRequests, err = c.reg.CreateOrGet(rrddb.ChartOptions{
			Type: "netdata", ID: "requests", Family: "netdata",
			Title: "NetData Web Requests", Units: "requests/s",
			Priority: 12000, UpdateEvery: c.cfg.UpdateEvery, ChartType: rrddb.ChartTypeLine,
		})
		if err != nil {
			return err
		}
		if _, err := c.reg.AddDimension(s.stRequests, "requests", "", 1, ue, rrddb.AlgorithmIncremental); err != nil {
			return err
		}
	} else {
		s.stRequests.Next()
	}
	s.stRequests.SetDimension("requests", g.WebRequests.Load())
	s.stRequests.Done()

	if s.stNet == nil {
		s.stNet = c.reg.FindByID("netdata.net")
	}
	if s.stNet == nil {
		var err error
		s.stNet, err = c.reg.CreateOrGet(rrddb.ChartOptions{
			Type: "netdata", ID: "net", Family: "netdata",
			Title: "NetData Network Traffic", Units: "kilobits/s",
			Priority: 13000, UpdateEvery: c.cfg.UpdateEvery, ChartType: rrddb.ChartTypeArea,
		})
		if err != nil {
			return err
		}
		if _, err := c.reg.AddDimension(s.stNet, "in", "", 8, 1024*ue, rrddb.AlgorithmIncremental); err != nil {
			return err
		}
		if _, err := c.reg.AddDimension(s.stNet, "out", "", -8, 1024*ue, rrddb.AlgorithmIncremental); err != nil {
			return err
		}
	} else {
		s.stNet.Next()
	}
	s.stNet.SetDimension("in", g.BytesReceived.Load())
	s.stNet.SetDimension("out", g.BytesSent.Load())
	s.stNet.Done()

	return nil
}
