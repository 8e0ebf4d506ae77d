package rrddb

import (
	"encoding/binary"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/netdata/rrdserver/pkg/util/log"
	"github.com/netdata/rrdserver/rrddb/storagenumber"
)

var (
	metricSlotsStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rrdserver",
		Name:      "slots_stored_total",
		Help:      "Total number of ring slots written with a real sample.",
	})
	metricSlotsEmpty = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rrdserver",
		Name:      "slots_empty_total",
		Help:      "Total number of ring slots written as missing.",
	})
	metricCounterResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rrdserver",
		Name:      "counter_resets_total",
		Help:      "Total number of cycles where an incremental counter went backwards.",
	})
	metricChartResets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rrdserver",
		Name:      "chart_resets_total",
		Help:      "Total number of charts reset because the clock jumped beyond the ring.",
	})
)

// missing dimensions are a per-cycle error, so the complaint is rate limited
var missingDimensionLogger = log.NewRateLimitedLogger(10, kitlog.LoggerFunc(func(keyvals ...interface{}) error {
	return level.Error(log.Logger).Log(keyvals...)
}))

// chart file layout: header only, the rings live in the dimension files.
const (
	chartMagicOff     = 0   // [32]byte
	chartMemsizeOff   = 32  // u64
	chartEntriesOff   = 40  // u32
	chartUpdEveryOff  = 44  // u32
	chartCurEntryOff  = 48  // u32
	chartCounterOff   = 56  // u64
	chartCtrDoneOff   = 64  // u64
	chartUsecOff      = 72  // u64
	chartLastUpdOff   = 80  // i64 usec
	chartLastCollOff  = 88  // i64 usec
	chartFirstEntOff  = 96  // i64 usec
	chartIDOff        = 104 // [152]byte
	chartIDMax        = 152
	chartFileSize     = 256
	chartMagicFieldSz = 32
)

// Chart owns a set of dimensions collected together on one wall-clock grid.
// It is the only writer to its dimensions; the embedded lock guards the
// dimension list, the time state and the ring contents.
type Chart struct {
	mtx sync.RWMutex

	typ  string
	id   string // type.id
	name string

	title    string
	units    string
	family   string
	context  string
	priority int64

	chartType   ChartType
	entries     int
	updateEvery int

	enabled bool
	detail  bool
	debug   bool

	gapWhenLostIterations int64

	memoryMode MemoryMode
	cacheDir   string
	region     *memRegion

	// time state, all microseconds since the epoch
	usecSinceLastUpdate uint64
	lastUpdatedUsec     int64 // always on the update_every grid
	lastCollectedUsec   int64
	firstEntryUsec      int64

	currentEntry int
	counter      uint64
	counterDone  uint64

	collectedTotal     int64
	lastCollectedTotal int64

	dimensions []*Dimension

	now func() time.Time
}

// Accessors for read-mostly metadata. Callers that walk dimensions or ring
// slots must hold RLock around the walk.

func (st *Chart) ID() string            { return st.id }
func (st *Chart) Type() string          { return st.typ }
func (st *Chart) Name() string          { return st.name }
func (st *Chart) Title() string         { return st.title }
func (st *Chart) Units() string         { return st.units }
func (st *Chart) Family() string        { return st.family }
func (st *Chart) Context() string       { return st.context }
func (st *Chart) Priority() int64       { return st.priority }
func (st *Chart) ChartType() ChartType  { return st.chartType }
func (st *Chart) Entries() int          { return st.entries }
func (st *Chart) UpdateEvery() int      { return st.updateEvery }
func (st *Chart) Enabled() bool         { return st.enabled }
func (st *Chart) Detail() bool          { return st.detail }
func (st *Chart) MemoryMode() MemoryMode { return st.memoryMode }

// RLock takes the chart's read lock.
func (st *Chart) RLock() { st.mtx.RLock() }

// RUnlock releases the chart's read lock.
func (st *Chart) RUnlock() { st.mtx.RUnlock() }

// Dimensions returns the dimension list. Hold RLock while using it.
func (st *Chart) Dimensions() []*Dimension { return st.dimensions }

// SetDetail marks the chart as detail: present in listings but not part
// of the default dashboard.
func (st *Chart) SetDetail(on bool) {
	st.mtx.Lock()
	st.detail = on
	st.mtx.Unlock()
}

// SetDebug toggles verbose logging for this chart.
func (st *Chart) SetDebug(on bool) {
	st.mtx.Lock()
	st.debug = on
	st.mtx.Unlock()
}

// Debug reports whether verbose logging is on.
func (st *Chart) Debug() bool {
	st.mtx.RLock()
	defer st.mtx.RUnlock()
	return st.debug
}

// CounterDone returns how many times Done has completed. A non-zero value
// is the authoritative "at least one sample may be stored" signal.
func (st *Chart) CounterDone() uint64 {
	st.mtx.RLock()
	defer st.mtx.RUnlock()
	return st.counterDone
}

// FindDimension resolves a dimension by id.
func (st *Chart) FindDimension(id string) *Dimension {
	st.mtx.RLock()
	defer st.mtx.RUnlock()
	return st.findDimension(id)
}

func (st *Chart) findDimension(id string) *Dimension {
	hash := nameHash(id)
	for _, rd := range st.dimensions {
		if rd.hash == hash && rd.id == id {
			return rd
		}
	}
	return nil
}

// HideDimension marks a dimension as not offered to queries by default.
func (st *Chart) HideDimension(id string) bool {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	rd := st.findDimension(id)
	if rd == nil {
		return false
	}
	rd.hidden = true
	return true
}

// SetDimension records one raw sample for the dimension with the given id.
func (st *Chart) SetDimension(id string, value int64) bool {
	st.mtx.RLock()
	rd := st.findDimension(id)
	st.mtx.RUnlock()
	if rd == nil {
		missingDimensionLogger.Log("msg", "cannot find dimension", "chart", st.id, "dimension", id)
		return false
	}
	st.SetDimensionByPointer(rd, value)
	return true
}

// SetDimensionByPointer records one raw sample without the id lookup.
func (st *Chart) SetDimensionByPointer(rd *Dimension, value int64) {
	rd.set(value, st.now().UnixMicro())
}

// NextUsec announces the elapsed microseconds since the previous Done.
func (st *Chart) NextUsec(microseconds uint64) {
	st.mtx.Lock()
	st.usecSinceLastUpdate = microseconds
	st.mtx.Unlock()
}

// Next measures the elapsed time since the previous Done from the wall
// clock. On the first cycle it announces zero.
func (st *Chart) Next() {
	st.mtx.RLock()
	var microseconds uint64
	if st.lastCollectedUsec != 0 {
		microseconds = uint64(st.now().UnixMicro() - st.lastCollectedUsec)
	}
	st.mtx.RUnlock()

	st.NextUsec(microseconds)
}

// reset clears all time state and zeroes every ring. Callers hold the lock.
func (st *Chart) reset() {
	st.lastCollectedUsec = 0
	st.lastUpdatedUsec = 0
	st.currentEntry = 0
	st.counter = 0
	st.counterDone = 0
	st.firstEntryUsec = 0

	for _, rd := range st.dimensions {
		rd.reset()
	}
}

// Done interpolates the collected samples onto the update_every grid and
// appends one slot per grid boundary crossed to every dimension's ring.
// Returns the microseconds since the previous update.
func (st *Chart) Done() uint64 {
	st.mtx.RLock()

	storeThisEntry := true

	// the ring cannot bridge a gap larger than itself
	if st.usecSinceLastUpdate > uint64(st.entries)*uint64(st.updateEvery)*1000000 {
		level.Info(log.Logger).Log("msg", "chart took too long to be updated, resetting it", "chart", st.id,
			"seconds", float64(st.usecSinceLastUpdate)/1000000.0)
		metricChartResets.Inc()
		st.reset()
		st.usecSinceLastUpdate = uint64(st.updateEvery) * 1000000
	}

	if st.lastCollectedUsec == 0 {
		// first entry: stamp the collection time to now
		st.lastCollectedUsec = st.now().UnixMicro()
		storeThisEntry = false
	} else {
		st.lastCollectedUsec += int64(st.usecSinceLastUpdate)
	}

	if st.lastUpdatedUsec == 0 {
		// never updated: back-date so the first window is well defined
		if st.usecSinceLastUpdate == 0 {
			st.usecSinceLastUpdate = uint64(st.updateEvery) * 1000000
		}
		st.lastUpdatedUsec = st.lastCollectedUsec - int64(st.usecSinceLastUpdate)
		storeThisEntry = false
	}

	// a collection gap larger than the ring rewrites the entire data set
	if st.lastCollectedUsec-st.lastUpdatedUsec > int64(st.updateEvery)*int64(st.entries)*1000000 {
		level.Info(log.Logger).Log("msg", "chart data are too old, resetting it", "chart", st.id)
		metricChartResets.Inc()
		st.reset()

		st.usecSinceLastUpdate = uint64(st.updateEvery) * 1000000
		st.lastCollectedUsec = st.now().UnixMicro()
		st.lastUpdatedUsec = st.lastCollectedUsec - int64(st.usecSinceLastUpdate)
		storeThisEntry = false
	}

	// the three variables driving the interpolation:
	// lastUT = the last time we added a value to the storage
	// nowUT  = the time the current value was taken at
	// nextUT = the time of the next interpolation point
	lastUT := st.lastUpdatedUsec
	nowUT := st.lastCollectedUsec
	nextUT := (st.lastUpdatedUsec/1000000 + int64(st.updateEvery)) * 1000000

	if st.counterDone == 0 {
		storeThisEntry = false
	}
	st.counterDone++

	st.collectedTotal = 0
	for _, rd := range st.dimensions {
		st.collectedTotal += rd.collectedValue
	}

	storageFlags := storagenumber.FlagExists

	// calculate the values per dimension from the collected figures only;
	// nothing is interpolated at this stage
	for _, rd := range st.dimensions {
		switch rd.algorithm {
		case AlgorithmPctOfDiffRow:
			// the percentage of this dimension's increment over the
			// increment of all dimensions together
			if st.collectedTotal == st.lastCollectedTotal {
				rd.calculatedValue = rd.lastCalculatedValue
			} else {
				rd.calculatedValue = 100 *
					float64(rd.collectedValue-rd.lastCollectedValue) /
					float64(st.collectedTotal-st.lastCollectedTotal)
			}

		case AlgorithmPctOfRow:
			if st.collectedTotal == 0 {
				rd.calculatedValue = 0
			} else {
				rd.calculatedValue = 100 * float64(rd.collectedValue) / float64(st.collectedTotal)
			}

		case AlgorithmIncremental:
			// a smaller value means the counter overflowed or was reset;
			// snapping the old to the new gives a zero delta for this cycle
			if rd.lastCollectedValue > rd.collectedValue {
				storageFlags = storagenumber.FlagExistsReset
				rd.lastCollectedValue = rd.collectedValue
				metricCounterResets.Inc()
			}
			rd.calculatedValue += float64(rd.collectedValue - rd.lastCollectedValue)

		case AlgorithmAbsolute:
			rd.calculatedValue = float64(rd.collectedValue)

		default:
			rd.calculatedValue = 0
		}
	}

	// interpolate on the update_every boundaries
	firstUT := lastUT
	iterations := (nowUT - lastUT) / (int64(st.updateEvery) * 1000000)

	for ; nextUT <= nowUT; nextUT, iterations = nextUT+int64(st.updateEvery)*1000000, iterations-1 {
		st.lastUpdatedUsec = nextUT

		for _, rd := range st.dimensions {
			var newValue float64

			switch rd.algorithm {
			case AlgorithmIncremental:
				// the portion of the delta that fell within this window
				newValue = rd.calculatedValue * float64(nextUT-lastUT) / float64(nowUT-lastUT)
				rd.calculatedValue -= newValue

			default:
				newValue = (rd.calculatedValue-rd.lastCalculatedValue)*
					float64(nextUT-firstUT)/float64(nowUT-firstUT) +
					rd.lastCalculatedValue

				if nextUT+int64(st.updateEvery)*1000000 > nowUT {
					rd.calculatedValue = newValue
				}
			}

			if !storeThisEntry {
				continue
			}

			if rd.updated && iterations < st.gapWhenLostIterations {
				rd.vals[st.currentEntry] = storagenumber.Pack(
					newValue*float64(rd.multiplier)/float64(rd.divisor),
					storageFlags)
				metricSlotsStored.Inc()

				if st.debug {
					stored := rd.vals[st.currentEntry].Value()
					original := newValue * float64(rd.multiplier) / float64(rd.divisor)
					level.Debug(log.Logger).Log("msg", "stored slot", "chart", st.id, "dimension", rd.id,
						"slot", st.currentEntry, "value", stored, "original", original,
						"loss", storagenumber.RelativeLoss(original, stored))
				}
			} else {
				rd.vals[st.currentEntry] = storagenumber.Pack(0, 0)
				metricSlotsEmpty.Inc()
			}
		}

		storeThisEntry = true
		// the reset annotation applies to the first point written only
		storageFlags = storagenumber.FlagExists

		if st.firstEntryUsec != 0 && st.counter >= uint64(st.entries) {
			// the ring is full, this write overwrites the oldest slot
			st.firstEntryUsec += int64(st.updateEvery) * 1000000
		}

		st.counter++
		st.currentEntry++
		if st.currentEntry >= st.entries {
			st.currentEntry = 0
		}
		if st.firstEntryUsec == 0 {
			st.firstEntryUsec = nextUT
		}
		lastUT = nextUT
	}

	// roll the cycle state
	for _, rd := range st.dimensions {
		if !rd.updated {
			continue
		}
		rd.lastCollectedValue = rd.collectedValue
		rd.lastCalculatedValue = rd.calculatedValue
		rd.collectedValue = 0
		rd.updated = false

		// the very first cycle of incremental dimensions must not leak
		// the initial counter value as a spike
		if st.counterDone == 1 {
			switch rd.algorithm {
			case AlgorithmIncremental, AlgorithmPctOfDiffRow:
				rd.calculatedValue = 0
			}
		}
	}
	st.lastCollectedTotal = st.collectedTotal

	// garbage-collect dimensions that stopped being collected
	obsolete := false
	for _, rd := range st.dimensions {
		if rd.lastCollectedUsec/1000000+int64(10*st.updateEvery) < st.lastCollectedUsec/1000000 {
			obsolete = true
			break
		}
	}

	usec := st.usecSinceLastUpdate

	if obsolete {
		// upgrade to a write lock for the structural removal
		st.mtx.RUnlock()
		st.mtx.Lock()

		kept := st.dimensions[:0]
		for _, rd := range st.dimensions {
			if rd.lastCollectedUsec/1000000+int64(10*st.updateEvery) < st.lastCollectedUsec/1000000 {
				level.Debug(log.Logger).Log("msg", "removing obsolete dimension", "chart", st.id, "dimension", rd.id)
				rd.free()
				continue
			}
			kept = append(kept, rd)
		}
		st.dimensions = kept

		if len(st.dimensions) == 0 {
			st.enabled = false
		}

		st.mtx.Unlock()
		return usec
	}

	st.mtx.RUnlock()
	return usec
}

// Duration returns the wall-clock span covered by stored slots, seconds.
func (st *Chart) Duration() int64 {
	slots := st.counter
	if slots > uint64(st.entries) {
		slots = uint64(st.entries)
	}
	return int64(slots) * int64(st.updateEvery)
}

// LastEntryT returns the timestamp of the newest slot, seconds.
func (st *Chart) LastEntryT() int64 {
	return st.lastUpdatedUsec / 1000000
}

// FirstEntryT returns the timestamp of the oldest slot still in the ring,
// skipping nothing; before any slot is written it reports the last update.
func (st *Chart) FirstEntryT() int64 {
	if st.firstEntryUsec == 0 {
		return st.lastUpdatedUsec / 1000000
	}
	return st.firstEntryUsec / 1000000
}

// oldestWindowT is the start of the queryable window.
func (st *Chart) oldestWindowT() int64 {
	return st.LastEntryT() - st.Duration()
}

// LastSlot returns the most recently written ring slot.
func (st *Chart) LastSlot() int {
	if st.currentEntry == 0 {
		return st.entries - 1
	}
	return st.currentEntry - 1
}

// Time2Slot maps a wall-clock time to a ring slot. It always returns a
// valid slot: times outside the stored window clamp to the newest or the
// oldest slot.
func (st *Chart) Time2Slot(t int64) int {
	if t >= st.LastEntryT() {
		return st.LastSlot()
	}
	if t <= st.oldestWindowT() {
		return st.firstSlot()
	}

	back := int((st.LastEntryT() - t) / int64(st.updateEvery))
	if st.LastSlot() >= back {
		return st.LastSlot() - back
	}
	return st.LastSlot() - back + st.entries
}

func (st *Chart) firstSlot() int {
	if st.counter >= uint64(st.entries) {
		// the slot about to be overwritten holds the oldest sample
		return st.currentEntry
	}
	return 0
}

// Slot2Time maps a ring slot back to its wall-clock time.
func (st *Chart) Slot2Time(slot int) int64 {
	back := st.LastSlot() - slot
	if slot > st.LastSlot() {
		back += st.entries
	}
	return st.LastEntryT() - int64(st.updateEvery)*int64(back)
}

// validateHeader runs the main.db check chain, returning the failure
// reason or "" for a usable warm start.
func (st *Chart) validateHeader(now time.Time) string {
	b := st.region.bytes()

	if fixedString(b[chartMagicOff:chartMagicOff+chartMagicFieldSz]) != chartMagic {
		return "magic mismatch"
	}
	if fixedString(b[chartIDOff:chartIDOff+chartIDMax]) != st.id {
		return "id mismatch"
	}
	if binary.LittleEndian.Uint64(b[chartMemsizeOff:]) != chartFileSize {
		return "size changed"
	}
	if int(binary.LittleEndian.Uint32(b[chartEntriesOff:])) != st.entries {
		return "entries changed"
	}
	if int(binary.LittleEndian.Uint32(b[chartUpdEveryOff:])) != st.updateEvery {
		return "update frequency changed"
	}

	lastUpd := int64(binary.LittleEndian.Uint64(b[chartLastUpdOff:]))
	if lastUpd == 0 {
		return "never updated"
	}
	if now.Unix()-lastUpd/1000000 > int64(st.updateEvery)*int64(st.entries) {
		return "too old"
	}
	return ""
}

func (st *Chart) loadHeader() {
	b := st.region.bytes()
	st.currentEntry = int(binary.LittleEndian.Uint32(b[chartCurEntryOff:]))
	st.counter = binary.LittleEndian.Uint64(b[chartCounterOff:])
	st.counterDone = binary.LittleEndian.Uint64(b[chartCtrDoneOff:])
	st.usecSinceLastUpdate = binary.LittleEndian.Uint64(b[chartUsecOff:])
	st.lastUpdatedUsec = int64(binary.LittleEndian.Uint64(b[chartLastUpdOff:]))
	st.lastCollectedUsec = int64(binary.LittleEndian.Uint64(b[chartLastCollOff:]))
	st.firstEntryUsec = int64(binary.LittleEndian.Uint64(b[chartFirstEntOff:]))

	if st.currentEntry >= st.entries {
		st.currentEntry = 0
	}
}

func (st *Chart) writeHeader() {
	if st.region == nil {
		return
	}
	b := st.region.bytes()
	putFixedString(b[chartMagicOff:chartMagicOff+chartMagicFieldSz], chartMagic)
	binary.LittleEndian.PutUint64(b[chartMemsizeOff:], chartFileSize)
	binary.LittleEndian.PutUint32(b[chartEntriesOff:], uint32(st.entries))
	binary.LittleEndian.PutUint32(b[chartUpdEveryOff:], uint32(st.updateEvery))
	binary.LittleEndian.PutUint32(b[chartCurEntryOff:], uint32(st.currentEntry))
	binary.LittleEndian.PutUint64(b[chartCounterOff:], st.counter)
	binary.LittleEndian.PutUint64(b[chartCtrDoneOff:], st.counterDone)
	binary.LittleEndian.PutUint64(b[chartUsecOff:], st.usecSinceLastUpdate)
	binary.LittleEndian.PutUint64(b[chartLastUpdOff:], uint64(st.lastUpdatedUsec))
	binary.LittleEndian.PutUint64(b[chartLastCollOff:], uint64(st.lastCollectedUsec))
	binary.LittleEndian.PutUint64(b[chartFirstEntOff:], uint64(st.firstEntryUsec))
	putFixedString(b[chartIDOff:chartIDOff+chartIDMax], st.id)
}

// save flushes the chart header and every dimension.
func (st *Chart) save() error {
	st.mtx.Lock()
	defer st.mtx.Unlock()

	if st.region != nil {
		st.writeHeader()
		if err := st.region.save(); err != nil {
			return err
		}
	}
	for _, rd := range st.dimensions {
		if err := rd.save(); err != nil {
			return err
		}
	}
	return nil
}

// free releases the chart and its dimensions, saving first in save mode.
func (st *Chart) free() {
	st.mtx.Lock()
	defer st.mtx.Unlock()

	for _, rd := range st.dimensions {
		rd.free()
	}
	st.dimensions = nil

	if st.region != nil {
		st.writeHeader()
		if st.memoryMode == MemoryModeSave {
			if err := st.region.save(); err != nil {
				level.Error(log.Logger).Log("msg", "cannot save chart", "chart", st.id, "err", err)
			}
		}
		if err := st.region.close(); err != nil {
			level.Error(log.Logger).Log("msg", "cannot unmap chart", "chart", st.id, "err", err)
		}
		st.region = nil
	}
}
