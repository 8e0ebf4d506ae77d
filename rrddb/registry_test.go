package rrddb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdata/rrdserver/pkg/config"
)

func TestCreateOrGetIsIdempotent(t *testing.T) {
	r, clock := testRegistry(t, 10)
	st := createChart(t, r, "idem")
	_, err := r.AddDimension(st, "d", "d", 1, 1, AlgorithmAbsolute)
	require.NoError(t, err)

	cycle(st, 0, map[string]int64{"d": 7})
	clock.advance(time.Second)
	cycle(st, 1000000, map[string]int64{"d": 7})

	counterBefore := st.counter
	entryBefore := st.currentEntry

	again, err := r.CreateOrGet(ChartOptions{Type: "t", ID: "idem"})
	require.NoError(t, err)
	assert.Same(t, st, again)
	assert.Equal(t, counterBefore, st.counter)
	assert.Equal(t, entryBefore, st.currentEntry)

	// the same goes for dimensions
	rd := st.FindDimension("d")
	rdAgain, err := r.AddDimension(st, "d", "other-name", 100, 100, AlgorithmIncremental)
	require.NoError(t, err)
	assert.Same(t, rd, rdAgain)
	assert.Equal(t, int64(1), rdAgain.Multiplier())
}

func TestFindByIDAndName(t *testing.T) {
	r, _ := testRegistry(t, 10)
	st, err := r.CreateOrGet(ChartOptions{Type: "system", ID: "cpu", Name: "cpu"})
	require.NoError(t, err)

	assert.Same(t, st, r.FindByID("system.cpu"))
	assert.Same(t, st, r.FindByTypeID("system", "cpu"))
	assert.Same(t, st, r.FindByName("system.cpu"))
	assert.Nil(t, r.FindByID("system.memory"))
}

func TestNameSanitization(t *testing.T) {
	r, _ := testRegistry(t, 10)
	st, err := r.CreateOrGet(ChartOptions{Type: "net", ID: "eth0", Name: "eth0 (in/out)"})
	require.NoError(t, err)

	assert.Equal(t, "net.eth0__in_out_", st.Name())
	assert.Same(t, st, r.FindByName("net.eth0 (in/out)"))
}

func TestConfigOverridesWin(t *testing.T) {
	conf := config.New()
	conf.Set("t.conf", "history", "50")
	conf.Set("t.conf", "name", "renamed")
	conf.Set("t.conf", "dim d multiplier", "123")

	r := NewRegistry(Config{
		Dir:            t.TempDir(),
		HistoryEntries: 10,
		UpdateEvery:    1,
		MemoryModeName: "ram",
	}, conf)

	st, err := r.CreateOrGet(ChartOptions{Type: "t", ID: "conf", Name: "producer-name"})
	require.NoError(t, err)
	assert.Equal(t, 50, st.Entries())
	assert.Equal(t, "renamed", st.Name())

	rd, err := r.AddDimension(st, "d", "d", 1, 1, AlgorithmAbsolute)
	require.NoError(t, err)
	assert.Equal(t, int64(123), rd.Multiplier())
}

func TestDisabledChartClampsHistory(t *testing.T) {
	conf := config.New()
	conf.Set("t.off", "enabled", "no")

	r := NewRegistry(Config{
		Dir:            t.TempDir(),
		HistoryEntries: 1000,
		UpdateEvery:    1,
		MemoryModeName: "ram",
	}, conf)

	st, err := r.CreateOrGet(ChartOptions{Type: "t", ID: "off"})
	require.NoError(t, err)
	assert.False(t, st.Enabled())
	assert.Equal(t, MinEntries, st.Entries())
}

func TestHistoryClamping(t *testing.T) {
	conf := config.New()
	conf.Set("t.tiny", "history", "1")

	r := NewRegistry(Config{
		Dir:            t.TempDir(),
		HistoryEntries: 10,
		UpdateEvery:    1,
		MemoryModeName: "ram",
	}, conf)

	st, err := r.CreateOrGet(ChartOptions{Type: "t", ID: "tiny"})
	require.NoError(t, err)
	assert.Equal(t, MinEntries, st.Entries())
}

func TestChartsSnapshotOrder(t *testing.T) {
	r, _ := testRegistry(t, 10)
	for _, id := range []string{"one", "two", "three"} {
		_, err := r.CreateOrGet(ChartOptions{Type: "t", ID: id})
		require.NoError(t, err)
	}

	charts := r.Charts()
	require.Len(t, charts, 3)
	assert.Equal(t, "t.one", charts[0].ID())
	assert.Equal(t, "t.two", charts[1].ID())
	assert.Equal(t, "t.three", charts[2].ID())
}

func TestFreeAllEmptiesRegistry(t *testing.T) {
	r, _ := testRegistry(t, 10)
	_, err := r.CreateOrGet(ChartOptions{Type: "t", ID: "bye"})
	require.NoError(t, err)

	r.FreeAll()
	assert.Empty(t, r.Charts())
	assert.Nil(t, r.FindByID("t.bye"))
}
