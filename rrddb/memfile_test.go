package rrddb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdata/rrdserver/pkg/config"
	"github.com/netdata/rrdserver/rrddb/storagenumber"
)

func savedRegistry(t *testing.T, dir string, clock *testClock) *Registry {
	t.Helper()
	r := NewRegistry(Config{
		Dir:                   dir,
		HistoryEntries:        10,
		UpdateEvery:           1,
		MemoryModeName:        "save",
		GapWhenLostIterations: DefaultGapInterpolations,
	}, config.New())
	r.SetClock(clock.now)
	return r
}

func TestSaveAndReloadReproducesRings(t *testing.T) {
	dir := t.TempDir()
	clock := newTestClock()

	r := savedRegistry(t, dir, clock)
	st := createChart(t, r, "persist")
	rd, err := r.AddDimension(st, "d", "d", 1, 1, AlgorithmAbsolute)
	require.NoError(t, err)

	for k := int64(0); k < 6; k++ {
		var micro uint64
		if k > 0 {
			clock.advance(time.Second)
			micro = 1000000
		}
		cycle(st, micro, map[string]int64{"d": k * 10})
	}

	wantSlots := make([]storagenumber.StorageNumber, st.Entries())
	for i := range wantSlots {
		wantSlots[i] = rd.Slot(i)
	}
	wantCounter := st.counter
	wantEntry := st.currentEntry
	wantLastUpdated := st.lastUpdatedUsec

	r.SaveAll()
	r.FreeAll()

	// a fresh process opens the same files and finds the same data
	r2 := savedRegistry(t, dir, clock)
	st2 := createChart(t, r2, "persist")
	rd2, err := r2.AddDimension(st2, "d", "d", 1, 1, AlgorithmAbsolute)
	require.NoError(t, err)

	assert.Equal(t, wantCounter, st2.counter)
	assert.Equal(t, wantEntry, st2.currentEntry)
	assert.Equal(t, wantLastUpdated, st2.lastUpdatedUsec)
	for i := range wantSlots {
		assert.Equal(t, wantSlots[i], rd2.Slot(i))
	}
}

func TestReloadMismatchedMultiplierStartsCold(t *testing.T) {
	dir := t.TempDir()
	clock := newTestClock()

	r := savedRegistry(t, dir, clock)
	st := createChart(t, r, "mism")
	_, err := r.AddDimension(st, "d", "d", 1, 1, AlgorithmAbsolute)
	require.NoError(t, err)

	cycle(st, 0, map[string]int64{"d": 5})
	clock.advance(time.Second)
	cycle(st, 1000000, map[string]int64{"d": 5})

	r.SaveAll()
	r.FreeAll()

	// reopening with a different multiplier must zero the ring
	r2 := savedRegistry(t, dir, clock)
	st2 := createChart(t, r2, "mism")
	rd2, err := r2.AddDimension(st2, "d", "d", 2, 1, AlgorithmAbsolute)
	require.NoError(t, err)

	for i := 0; i < st2.Entries(); i++ {
		assert.False(t, rd2.Slot(i).Exists())
	}
}

func TestReloadTooOldStartsCold(t *testing.T) {
	dir := t.TempDir()
	clock := newTestClock()

	r := savedRegistry(t, dir, clock)
	st := createChart(t, r, "old")
	_, err := r.AddDimension(st, "d", "d", 1, 1, AlgorithmAbsolute)
	require.NoError(t, err)

	cycle(st, 0, map[string]int64{"d": 5})
	clock.advance(time.Second)
	cycle(st, 1000000, map[string]int64{"d": 5})

	r.SaveAll()
	r.FreeAll()

	// far more time passes than the ring can bridge
	clock.advance(time.Hour)

	r2 := savedRegistry(t, dir, clock)
	st2 := createChart(t, r2, "old")
	rd2, err := r2.AddDimension(st2, "d", "d", 1, 1, AlgorithmAbsolute)
	require.NoError(t, err)

	assert.Zero(t, st2.counter)
	for i := 0; i < st2.Entries(); i++ {
		assert.False(t, rd2.Slot(i).Exists())
	}
}

func TestCorruptMagicStartsCold(t *testing.T) {
	dir := t.TempDir()
	clock := newTestClock()

	r := savedRegistry(t, dir, clock)
	st := createChart(t, r, "corrupt")
	_, err := r.AddDimension(st, "d", "d", 1, 1, AlgorithmAbsolute)
	require.NoError(t, err)

	cycle(st, 0, map[string]int64{"d": 5})
	clock.advance(time.Second)
	cycle(st, 1000000, map[string]int64{"d": 5})

	r.SaveAll()
	r.FreeAll()

	// stomp on the dimension file magic
	path := filepath.Join(dir, "t.corrupt", "d.db")
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	copy(buf, "GARBAGE")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	r2 := savedRegistry(t, dir, clock)
	st2 := createChart(t, r2, "corrupt")
	rd2, err := r2.AddDimension(st2, "d", "d", 1, 1, AlgorithmAbsolute)
	require.NoError(t, err)

	for i := 0; i < st2.Entries(); i++ {
		assert.False(t, rd2.Slot(i).Exists())
	}
}

func TestDatabaseFilesLayout(t *testing.T) {
	dir := t.TempDir()
	clock := newTestClock()

	r := savedRegistry(t, dir, clock)
	st := createChart(t, r, "layout")
	_, err := r.AddDimension(st, "in:out", "d", 1, 1, AlgorithmAbsolute)
	require.NoError(t, err)

	r.SaveAll()

	assert.FileExists(t, filepath.Join(dir, "t.layout", "main.db"))
	assert.FileExists(t, filepath.Join(dir, "t.layout", "in_out.db"))
}
