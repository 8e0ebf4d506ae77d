package procfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdata/rrdserver/pkg/config"
	"github.com/netdata/rrdserver/rrddb"
)

const procStat = `cpu  100 0 50 800 10 0 5 0 0 0
cpu0 100 0 50 800 10 0 5 0 0 0
intr 5000 1 2 3
ctxt 12345
btime 1700000000
processes 678
procs_running 2
procs_blocked 0
`

const procMeminfo = `MemTotal:        8000000 kB
MemFree:         2000000 kB
Buffers:          300000 kB
Cached:          1500000 kB
SwapTotal:       1000000 kB
SwapFree:         900000 kB
`

const procNetDev = `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo:  123456     100    0    0    0     0          0         0   123456     100    0    0    0     0       0          0
  eth0: 9876543    5000    0    0    0     0          0         0  1234567    4000    0    0    0     0       0          0
`

func fakeProc(t *testing.T) string {
	t.Helper()
	prefix := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(prefix, "proc", "net"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "proc", "stat"), []byte(procStat), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "proc", "meminfo"), []byte(procMeminfo), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "proc", "net", "dev"), []byte(procNetDev), 0o644))
	return prefix
}

func testCollector(t *testing.T) (*Collector, *rrddb.Registry, func(time.Duration)) {
	t.Helper()
	reg := rrddb.NewRegistry(rrddb.Config{
		Dir:            t.TempDir(),
		HistoryEntries: 10,
		UpdateEvery:    1,
		MemoryModeName: "ram",
	}, config.New())

	now := time.Unix(1700000000, 0)
	reg.SetClock(func() time.Time { return now })
	advance := func(d time.Duration) { now = now.Add(d) }

	c := New(Config{HostPrefix: fakeProc(t), UpdateEvery: 1}, reg, config.New())
	return c, reg, advance
}

func TestCollectCreatesCharts(t *testing.T) {
	c, reg, _ := testCollector(t)

	c.collect()

	for _, id := range []string{
		"system.cpu", "cpu.cpu0", "system.intr", "system.ctxt", "system.forks",
		"system.ram", "system.swap",
		"net.eth0",
		"netdata.server_cpu", "netdata.clients", "netdata.requests", "netdata.net",
	} {
		assert.NotNilf(t, reg.FindByID(id), "chart %s", id)
	}

	// the loopback interface is skipped by default
	assert.Nil(t, reg.FindByID("net.lo"))

	// the idle jiffies are collected but hidden from queries
	cpu := reg.FindByID("system.cpu")
	require.NotNil(t, cpu.FindDimension("idle"))
	assert.True(t, cpu.FindDimension("idle").Hidden())
}

func TestCollectedValuesLand(t *testing.T) {
	c, reg, advance := testCollector(t)

	c.collect()

	ram := reg.FindByID("system.ram")
	require.NotNil(t, ram)
	assert.Equal(t, uint64(1), ram.CounterDone())

	// absolute values are visible right on the next cycle
	advance(time.Second)
	c.collect()
	assert.Equal(t, uint64(2), ram.CounterDone())

	res, err := reg.Query(rrddb.Request{Chart: "system.ram", Points: 1, GroupCount: 1})
	require.NoError(t, err)
	require.NotEmpty(t, res.Rows)

	// used = total - free - cached - buffers, scaled from kB to MB
	want := float64(8000000-2000000-1500000-300000) / 1024
	got := res.Rows[len(res.Rows)-1].Values[indexOf(t, res.DimensionNames, "used")]
	assert.InDelta(t, want, got, want*0.001)
}

func indexOf(t *testing.T, names []string, name string) int {
	t.Helper()
	for i, n := range names {
		if n == name {
			return i
		}
	}
	t.Fatalf("dimension %s not found in %v", name, names)
	return -1
}
