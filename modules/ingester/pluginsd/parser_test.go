package pluginsd

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdata/rrdserver/pkg/config"
	"github.com/netdata/rrdserver/pkg/util/log"
	"github.com/netdata/rrdserver/rrddb"
)

func testParser(t *testing.T) (*Parser, *rrddb.Registry) {
	t.Helper()
	reg := rrddb.NewRegistry(rrddb.Config{
		Dir:            t.TempDir(),
		HistoryEntries: 10,
		UpdateEvery:    1,
		MemoryModeName: "ram",
	}, config.New())

	base := time.Unix(1700000000, 0)
	reg.SetClock(func() time.Time { return base })

	return NewParser(reg, log.Logger, 1), reg
}

func feed(t *testing.T, p *Parser, session string) error {
	t.Helper()
	for _, line := range strings.Split(strings.TrimSpace(session), "\n") {
		if err := p.Process(strings.TrimSpace(line)); err != nil {
			return err
		}
	}
	return nil
}

func TestFullSession(t *testing.T) {
	p, reg := testParser(t)

	err := feed(t, p, `
		CHART disk.sda 'sda io' 'Disk I/O' 'kb/s' disks '' area 2000 1
		DIMENSION reads 'reads' incremental 1 1
		DIMENSION writes 'writes' incremental -1 1
		BEGIN disk.sda
		SET reads = 100
		SET writes = 50
		END
		BEGIN disk.sda 1000000
		SET reads = 200
		SET writes = 70
		END
	`)
	require.NoError(t, err)

	st := reg.FindByID("disk.sda")
	require.NotNil(t, st)
	assert.Equal(t, "disk.sda_io", st.Name())
	assert.Equal(t, "Disk I/O (disk.sda_io)", st.Title())
	assert.Equal(t, rrddb.ChartTypeArea, st.ChartType())
	assert.Equal(t, int64(2000), st.Priority())
	assert.Equal(t, "disks", st.Family())

	require.NotNil(t, st.FindDimension("reads"))
	require.NotNil(t, st.FindDimension("writes"))
	assert.Equal(t, int64(-1), st.FindDimension("writes").Multiplier())
	assert.Equal(t, rrddb.AlgorithmIncremental, st.FindDimension("reads").Algorithm())

	assert.Equal(t, uint64(2), st.CounterDone())
	assert.Equal(t, uint64(4), p.Sets())
}

func TestSetWithoutBeginDisables(t *testing.T) {
	p, _ := testParser(t)
	err := p.Process("SET x = 1")
	assert.ErrorIs(t, err, ErrDisable)
}

func TestEndWithoutBeginDisables(t *testing.T) {
	p, _ := testParser(t)
	err := p.Process("END")
	assert.ErrorIs(t, err, ErrDisable)
}

func TestBeginUnknownChartDisables(t *testing.T) {
	p, _ := testParser(t)
	err := p.Process("BEGIN no.such")
	assert.ErrorIs(t, err, ErrDisable)
}

func TestUnknownCommandDisables(t *testing.T) {
	p, _ := testParser(t)
	err := p.Process("FROBNICATE everything")
	assert.ErrorIs(t, err, ErrDisable)
}

func TestDisableCommand(t *testing.T) {
	p, _ := testParser(t)
	err := p.Process("DISABLE")
	assert.ErrorIs(t, err, ErrDisable)
}

func TestDimensionWithoutChartDisables(t *testing.T) {
	p, _ := testParser(t)
	err := p.Process("DIMENSION d d absolute 1 1")
	assert.ErrorIs(t, err, ErrDisable)
}

func TestFlushClearsCurrentChart(t *testing.T) {
	p, _ := testParser(t)
	require.NoError(t, feed(t, p, `
		CHART t.flush '' '' ''
		DIMENSION d
		BEGIN t.flush
		FLUSH
	`))
	err := p.Process("SET d = 1")
	assert.ErrorIs(t, err, ErrDisable)
}

func TestHiddenDimension(t *testing.T) {
	p, reg := testParser(t)
	require.NoError(t, feed(t, p, `
		CHART apps.mem '' 'Memory' MB
		DIMENSION total '' absolute 1 1 hidden
	`))

	st := reg.FindByID("apps.mem")
	require.NotNil(t, st)
	require.NotNil(t, st.FindDimension("total"))
	assert.True(t, st.FindDimension("total").Hidden())
}

func TestChartDefaults(t *testing.T) {
	p, reg := testParser(t)
	require.NoError(t, p.Process("CHART system.load"))

	st := reg.FindByID("system.load")
	require.NotNil(t, st)
	assert.Equal(t, "system.load", st.Name())
	assert.Equal(t, "load", st.Family())
	assert.Equal(t, int64(1000), st.Priority())
	assert.Equal(t, rrddb.ChartTypeLine, st.ChartType())
	assert.Equal(t, 1, st.UpdateEvery())
}

func TestChartIdempotent(t *testing.T) {
	p, reg := testParser(t)
	require.NoError(t, p.Process("CHART t.again '' 'first' u"))
	st := reg.FindByID("t.again")

	require.NoError(t, p.Process("CHART t.again '' 'second' u"))
	assert.Same(t, st, reg.FindByID("t.again"))
	assert.Contains(t, st.Title(), "first")
}

func TestSetEqualsVariants(t *testing.T) {
	p, reg := testParser(t)
	require.NoError(t, feed(t, p, `
		CHART t.eq
		DIMENSION d
		BEGIN t.eq
		SET d=42
		END
	`))
	assert.Equal(t, uint64(1), p.Sets())
	assert.NotNil(t, reg.FindByID("t.eq"))
}

func TestSplitQuoted(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`CHART a.b name`, []string{"CHART", "a.b", "name"}},
		{`CHART a.b 'a name' "a title"`, []string{"CHART", "a.b", "a name", "a title"}},
		{`SET d = 5`, []string{"SET", "d", "=", "5"}},
		{`  padded   out  `, []string{"padded", "out"}},
		{`empty ''`, []string{"empty", ""}},
		{``, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, splitQuoted(tt.in), tt.in)
	}
}
