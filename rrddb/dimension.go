package rrddb

import (
	"encoding/binary"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/go-kit/log/level"

	"github.com/netdata/rrdserver/pkg/util/log"
	"github.com/netdata/rrdserver/rrddb/storagenumber"
)

// dimension file layout: header at fixed offsets, then the ring.
const (
	dimMagicOff     = 0   // [32]byte, NUL padded
	dimMemsizeOff   = 32  // u64, total file size
	dimMultOff      = 40  // i64
	dimDivOff       = 48  // i64
	dimAlgoOff      = 56  // u32
	dimUpdEveryOff  = 60  // u32
	dimEntriesOff   = 64  // u32
	dimCollSecOff   = 72  // i64
	dimCollUsecOff  = 80  // i64
	dimIDOff        = 88  // [112]byte, NUL padded
	dimHeaderSize   = 200
	dimSlotSize     = 4
	dimIDMax        = 112
	dimMagicFieldSz = 32
)

// Dimension is a single time series of one chart: identity, scaling, the
// working state of the current cycle, and the ring itself.
type Dimension struct {
	id   string
	name string
	hash uint64

	algorithm   Algorithm
	multiplier  int64
	divisor     int64
	updateEvery int

	hidden  bool
	updated bool

	collectedValue      int64
	lastCollectedValue  int64
	calculatedValue     float64
	lastCalculatedValue float64

	lastCollectedUsec int64 // microseconds since epoch of the last sample

	memoryMode MemoryMode
	region     *memRegion
	vals       []storagenumber.StorageNumber
}

// ID returns the producer-assigned identity of the dimension.
func (rd *Dimension) ID() string { return rd.id }

// Name returns the display name.
func (rd *Dimension) Name() string { return rd.name }

// Hidden reports whether queries should skip this dimension by default.
func (rd *Dimension) Hidden() bool { return rd.hidden }

// Algorithm returns the value transformation rule.
func (rd *Dimension) Algorithm() Algorithm { return rd.algorithm }

// Multiplier returns the scale numerator.
func (rd *Dimension) Multiplier() int64 { return rd.multiplier }

// Divisor returns the scale denominator, never zero.
func (rd *Dimension) Divisor() int64 { return rd.divisor }

// Entries returns the ring capacity.
func (rd *Dimension) Entries() int { return len(rd.vals) }

// Slot returns the packed sample at the given ring slot.
func (rd *Dimension) Slot(i int) storagenumber.StorageNumber { return rd.vals[i] }

func dimensionFileSize(entries int) int {
	return dimHeaderSize + entries*dimSlotSize
}

// newDimension creates or reopens a dimension of the given chart. For
// file-backed modes the on-disk header is validated; any mismatch zeroes
// the region and the ring starts cold.
func newDimension(st *Chart, id, name string, multiplier, divisor int64, algorithm Algorithm, mode MemoryMode, now time.Time) (*Dimension, error) {
	if divisor == 0 {
		divisor = 1
	}

	rd := &Dimension{
		id:          id,
		name:        name,
		hash:        nameHash(id),
		algorithm:   algorithm,
		multiplier:  multiplier,
		divisor:     divisor,
		updateEvery: st.updateEvery,
		memoryMode:  mode,
	}

	if mode == MemoryModeRAM {
		rd.vals = make([]storagenumber.StorageNumber, st.entries)
		return rd, nil
	}

	size := dimensionFileSize(st.entries)
	path := filepath.Join(st.cacheDir, sanitizeName(id)+".db")

	region, err := openRegion(path, size, mode == MemoryModeMap)
	if err != nil {
		// fall back to anonymous memory, the file is only a warm-start seed
		level.Error(log.Logger).Log("msg", "cannot map dimension file, continuing in ram", "file", path, "err", err)
		rd.memoryMode = MemoryModeRAM
		rd.vals = make([]storagenumber.StorageNumber, st.entries)
		return rd, nil
	}
	rd.region = region

	if reason := rd.validateHeader(st, size, now); reason != "" {
		level.Info(log.Logger).Log("msg", "initializing dimension file", "file", path, "reason", reason)
		region.zero()
	} else {
		rd.lastCollectedUsec = rd.headerLastCollectedUsec()
	}

	rd.vals = unsafe.Slice((*storagenumber.StorageNumber)(unsafe.Pointer(&region.bytes()[dimHeaderSize])), st.entries)
	rd.writeHeader()

	return rd, nil
}

// validateHeader runs the full header check chain and returns the failure
// reason, or "" when the file can seed a warm start.
func (rd *Dimension) validateHeader(st *Chart, size int, now time.Time) string {
	b := rd.region.bytes()

	if fixedString(b[dimMagicOff:dimMagicOff+dimMagicFieldSz]) != dimensionMagic {
		return "magic mismatch"
	}
	if binary.LittleEndian.Uint64(b[dimMemsizeOff:]) != uint64(size) {
		return "size changed"
	}
	if int64(binary.LittleEndian.Uint64(b[dimMultOff:])) != rd.multiplier {
		return "multiplier changed"
	}
	if int64(binary.LittleEndian.Uint64(b[dimDivOff:])) != rd.divisor {
		return "divisor changed"
	}
	if Algorithm(binary.LittleEndian.Uint32(b[dimAlgoOff:])) != rd.algorithm {
		return "algorithm changed"
	}
	if int(binary.LittleEndian.Uint32(b[dimUpdEveryOff:])) != st.updateEvery {
		return "update frequency changed"
	}
	if int(binary.LittleEndian.Uint32(b[dimEntriesOff:])) != st.entries {
		return "entries changed"
	}

	last := rd.headerLastCollectedUsec()
	if last == 0 {
		// a ring that was never written is a cold start no matter how
		// recent the file is
		return "never collected"
	}
	age := now.UnixMicro() - last
	if age > int64(st.entries)*int64(st.updateEvery)*1000000 {
		return "too old"
	}

	if fixedString(b[dimIDOff:dimIDOff+dimIDMax]) != rd.id {
		return "id mismatch"
	}
	return ""
}

func (rd *Dimension) headerLastCollectedUsec() int64 {
	b := rd.region.bytes()
	sec := int64(binary.LittleEndian.Uint64(b[dimCollSecOff:]))
	usec := int64(binary.LittleEndian.Uint64(b[dimCollUsecOff:]))
	return sec*1000000 + usec
}

// writeHeader refreshes the mapped header with the live state. Called on
// open and before every save.
func (rd *Dimension) writeHeader() {
	if rd.region == nil {
		return
	}
	b := rd.region.bytes()

	putFixedString(b[dimMagicOff:dimMagicOff+dimMagicFieldSz], dimensionMagic)
	binary.LittleEndian.PutUint64(b[dimMemsizeOff:], uint64(dimensionFileSize(len(rd.vals))))
	binary.LittleEndian.PutUint64(b[dimMultOff:], uint64(rd.multiplier))
	binary.LittleEndian.PutUint64(b[dimDivOff:], uint64(rd.divisor))
	binary.LittleEndian.PutUint32(b[dimAlgoOff:], uint32(rd.algorithm))
	binary.LittleEndian.PutUint32(b[dimUpdEveryOff:], uint32(rd.updateEvery))
	binary.LittleEndian.PutUint32(b[dimEntriesOff:], uint32(len(rd.vals)))
	binary.LittleEndian.PutUint64(b[dimCollSecOff:], uint64(rd.lastCollectedUsec/1000000))
	binary.LittleEndian.PutUint64(b[dimCollUsecOff:], uint64(rd.lastCollectedUsec%1000000))
	putFixedString(b[dimIDOff:dimIDOff+dimIDMax], rd.id)
}

// set records one raw sample for the current cycle.
func (rd *Dimension) set(value int64, nowUsec int64) {
	rd.collectedValue = value
	rd.updated = true
	rd.lastCollectedUsec = nowUsec
}

// reset clears the lifecycle state and the ring.
func (rd *Dimension) reset() {
	rd.lastCollectedUsec = 0
	for i := range rd.vals {
		rd.vals[i] = 0
	}
}

// save flushes the dimension to its backing file, if any.
func (rd *Dimension) save() error {
	if rd.region == nil {
		return nil
	}
	rd.writeHeader()
	return rd.region.save()
}

// free releases the dimension, saving it first in save mode.
func (rd *Dimension) free() {
	if rd.region == nil {
		return
	}
	if rd.memoryMode == MemoryModeSave {
		rd.writeHeader()
		if err := rd.region.save(); err != nil {
			level.Error(log.Logger).Log("msg", "cannot save dimension", "dimension", rd.id, "err", err)
		}
	}
	if err := rd.region.close(); err != nil {
		level.Error(log.Logger).Log("msg", "cannot unmap dimension", "dimension", rd.id, "err", err)
	}
	rd.region = nil
	rd.vals = nil
}

func fixedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func putFixedString(b []byte, s string) {
	for i := range b {
		b[i] = 0
	}
	copy(b, s)
}
