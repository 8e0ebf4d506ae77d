package rrddb

import (
	"flag"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/netdata/rrdserver/pkg/config"
	"github.com/netdata/rrdserver/pkg/util/log"
)

var metricCharts = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "rrdserver",
	Name:      "charts",
	Help:      "Number of charts in the registry.",
})

// Config holds the engine-wide defaults. Per-chart configuration entries
// override them at create time.
type Config struct {
	Dir                   string `yaml:"database_directory"`
	HistoryEntries        int    `yaml:"history"`
	UpdateEvery           int    `yaml:"update_every"`
	MemoryModeName        string `yaml:"memory_mode"`
	GapWhenLostIterations int64  `yaml:"gap_when_lost_iterations_above"`
}

// RegisterFlagsAndApplyDefaults registers the engine flags.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Dir, prefix+"db.directory", "cache", "Directory holding the database files.")
	f.IntVar(&c.HistoryEntries, prefix+"db.history", DefaultHistoryEntries, "Ring capacity per dimension.")
	f.IntVar(&c.UpdateEvery, prefix+"db.update-every", DefaultUpdateEvery, "Data collection cadence in seconds.")
	f.StringVar(&c.MemoryModeName, prefix+"db.memory-mode", "save", "Ring backing: ram, map or save.")
	f.Int64Var(&c.GapWhenLostIterations, prefix+"db.gap-when-lost-iterations", DefaultGapInterpolations, "Store a gap when this many collection cycles are lost.")
}

// MemoryMode resolves the configured mode name.
func (c *Config) MemoryMode() MemoryMode {
	return MemoryModeID(c.MemoryModeName)
}

// ChartOptions carries the producer-supplied chart attributes. Empty
// optionals default the way the line protocol defaults them.
type ChartOptions struct {
	Type        string
	ID          string
	Name        string
	Family      string
	Context     string
	Title       string
	Units       string
	Priority    int64
	UpdateEvery int
	ChartType   ChartType
}

// Registry is the process-global set of charts: an owning container with
// two lookup indexes, guarded by a coarse reader/writer lock. Per-chart
// state is guarded by each chart's own lock; the registry lock is always
// taken first.
type Registry struct {
	mtx sync.RWMutex

	cfg  Config
	conf *config.Config

	charts []*Chart
	byID   map[string]*Chart
	byName map[string]*Chart

	now func() time.Time
}

// NewRegistry builds an empty registry with the given defaults and the
// runtime configuration used for per-chart overrides.
func NewRegistry(cfg Config, conf *config.Config) *Registry {
	if cfg.UpdateEvery < MinUpdateEvery {
		cfg.UpdateEvery = DefaultUpdateEvery
	}
	if cfg.UpdateEvery > MaxUpdateEvery {
		cfg.UpdateEvery = MaxUpdateEvery
	}
	if cfg.HistoryEntries == 0 {
		cfg.HistoryEntries = DefaultHistoryEntries
	}
	if cfg.GapWhenLostIterations < 1 {
		cfg.GapWhenLostIterations = DefaultGapInterpolations
	}
	if conf == nil {
		conf = config.New()
	}
	return &Registry{
		cfg:    cfg,
		conf:   conf,
		byID:   map[string]*Chart{},
		byName: map[string]*Chart{},
		now:    time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.now = now
	for _, st := range r.charts {
		st.now = now
	}
}

// UpdateEvery returns the engine-wide default cadence.
func (r *Registry) UpdateEvery() int {
	return r.cfg.UpdateEvery
}

// Conf exposes the runtime configuration (for the /netdata.conf dump).
func (r *Registry) Conf() *config.Config {
	return r.conf
}

// FindByID resolves a chart by its fully qualified "type.id".
func (r *Registry) FindByID(fullID string) *Chart {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.byID[fullID]
}

// FindByTypeID resolves a chart by its type and id parts.
func (r *Registry) FindByTypeID(typ, id string) *Chart {
	return r.FindByID(typ + "." + id)
}

// FindByName resolves a chart by its sanitized display name.
func (r *Registry) FindByName(name string) *Chart {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.byName[sanitizeName(name)]
}

// Charts returns a snapshot of all charts in insertion order.
func (r *Registry) Charts() []*Chart {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]*Chart, len(r.charts))
	copy(out, r.charts)
	return out
}

// CreateOrGet creates a chart or returns the existing one with the same
// (type, id) without perturbing its state.
func (r *Registry) CreateOrGet(opts ChartOptions) (*Chart, error) {
	if opts.Type == "" || opts.ID == "" {
		return nil, errors.New("cannot create a chart without a type and an id")
	}

	fullID := opts.Type + "." + opts.ID

	if st := r.FindByID(fullID); st != nil {
		return st, nil
	}

	st, err := r.newChart(fullID, opts)
	if err != nil {
		return nil, err
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	// lost the race: another producer created it meanwhile
	if existing := r.byID[fullID]; existing != nil {
		st.free()
		return existing, nil
	}

	r.charts = append(r.charts, st)
	r.byID[fullID] = st
	r.byName[st.name] = st
	metricCharts.Inc()

	return st, nil
}

func (r *Registry) newChart(fullID string, opts ChartOptions) (*Chart, error) {
	entries := int(r.conf.GetNumber(fullID, "history", int64(r.cfg.HistoryEntries)))
	if entries < MinEntries {
		entries = int(r.conf.SetNumber(fullID, "history", MinEntries))
	}
	if entries > MaxHistoryEntries {
		entries = int(r.conf.SetNumber(fullID, "history", MaxHistoryEntries))
	}

	enabled := r.conf.GetBoolean(fullID, "enabled", true)
	if !enabled {
		entries = MinEntries
	}

	updateEvery := opts.UpdateEvery
	if updateEvery < MinUpdateEvery {
		updateEvery = r.cfg.UpdateEvery
	}
	if updateEvery > MaxUpdateEvery {
		updateEvery = MaxUpdateEvery
	}

	mode := r.cfg.MemoryMode()

	dir, err := chartDir(r.cfg.Dir, fullID, mode)
	if err != nil {
		return nil, err
	}

	typ := opts.Type
	family := opts.Family
	if family == "" {
		family = fullID
	}
	context := opts.Context
	if context == "" {
		context = fullID
	}

	st := &Chart{
		typ:         r.conf.Get(fullID, "type", typ),
		id:          fullID,
		family:      r.conf.Get(fullID, "family", family),
		context:     context,
		units:       r.conf.Get(fullID, "units", opts.Units),
		chartType:   ChartTypeID(r.conf.Get(fullID, "chart type", opts.ChartType.String())),
		entries:     entries,
		updateEvery: updateEvery,
		enabled:     enabled,
		memoryMode:  mode,
		cacheDir:    dir,
		now:         r.now,
	}

	st.priority = r.conf.GetNumber(fullID, "priority", opts.Priority)
	st.gapWhenLostIterations = r.conf.GetNumber(fullID, "gap when lost iterations above", r.cfg.GapWhenLostIterations)

	name := opts.Name
	if name == "" {
		name = opts.ID
	}
	r.setChartName(st, name)

	title := fmt.Sprintf("%s (%s)", opts.Title, st.name)
	st.title = r.conf.Get(fullID, "title", title)

	if mode != MemoryModeRAM {
		region, err := openRegion(filepath.Join(dir, "main.db"), chartFileSize, mode == MemoryModeMap)
		if err != nil {
			level.Error(log.Logger).Log("msg", "cannot map chart file, continuing in ram", "chart", fullID, "err", err)
			st.memoryMode = MemoryModeRAM
		} else {
			st.region = region
			if reason := st.validateHeader(r.now()); reason != "" {
				level.Info(log.Logger).Log("msg", "initializing chart file", "chart", fullID, "reason", reason)
				region.zero()
			} else {
				st.loadHeader()
			}
			st.writeHeader()
		}
	}

	level.Debug(log.Logger).Log("msg", "created chart", "chart", fullID, "entries", entries,
		"update_every", updateEvery, "memory_mode", st.memoryMode)

	return st, nil
}

// setChartName applies the display name: "type.name" sanitized, overridden
// by the per-chart "name" configuration entry when present.
func (r *Registry) setChartName(st *Chart, name string) {
	def := sanitizeName(st.typ + "." + name)
	st.name = sanitizeName(r.conf.Get(st.id, "name", def))
}

// AddDimension adds a dimension to the chart, or returns the existing one
// with the same id. Configuration entries override the producer-supplied
// name, algorithm, multiplier and divisor.
func (r *Registry) AddDimension(st *Chart, id, name string, multiplier, divisor int64, algorithm Algorithm) (*Dimension, error) {
	if id == "" {
		return nil, errors.New("cannot add a dimension without an id")
	}

	st.mtx.Lock()
	defer st.mtx.Unlock()

	if rd := st.findDimension(id); rd != nil {
		return rd, nil
	}

	if name == "" {
		name = id
	}
	name = r.conf.Get(st.id, "dim "+id+" name", name)
	algorithm = AlgorithmID(r.conf.Get(st.id, "dim "+id+" algorithm", algorithm.String()))
	multiplier = r.conf.GetNumber(st.id, "dim "+id+" multiplier", multiplier)
	divisor = r.conf.GetNumber(st.id, "dim "+id+" divisor", divisor)
	if divisor == 0 {
		divisor = 1
	}

	rd, err := newDimension(st, id, name, multiplier, divisor, algorithm, st.memoryMode, r.now())
	if err != nil {
		return nil, err
	}

	st.dimensions = append(st.dimensions, rd)
	return rd, nil
}

// SaveAll flushes every chart and mapped dimension to disk.
func (r *Registry) SaveAll() {
	for _, st := range r.Charts() {
		if err := st.save(); err != nil {
			level.Error(log.Logger).Log("msg", "cannot save chart", "chart", st.id, "err", err)
		}
	}
}

// FreeAll saves (in save mode), unmaps and drops every chart. The registry
// is empty afterwards.
func (r *Registry) FreeAll() {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	level.Info(log.Logger).Log("msg", "freeing all charts", "charts", len(r.charts))

	for _, st := range r.charts {
		st.free()
	}
	r.charts = nil
	r.byID = map[string]*Chart{}
	r.byName = map[string]*Chart{}
	metricCharts.Set(0)
}
