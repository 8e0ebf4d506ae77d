package procfs

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/netdata/rrdserver/rrddb"
)

// meminfoCollector reads /proc/meminfo into the ram and swap charts.
type meminfoCollector struct {
	c *Collector

	stRAM  *rrddb.Chart
	stSwap *rrddb.Chart
}

func (m *meminfoCollector) collect() error {
	f, err := os.Open(m.c.procPath("/proc/meminfo"))
	if err != nil {
		return errors.Wrap(err, "open /proc/meminfo")
	}
	defer f.Close()

	values := map[string]int64{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], ":")
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		values[key] = v // kB
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	c := m.c

	if m.stRAM == nil {
		m.stRAM, err = c.reg.CreateOrGet(rrddb.ChartOptions{
			Type: "system", ID: "ram", Family: "ram",
			Title: "System RAM", Units: "MB",
			Priority: 200, UpdateEvery: c.cfg.UpdateEvery, ChartType: rrddb.ChartTypeStacked,
		})
		if err != nil {
			return err
		}
		for _, dim := range []string{"used", "free", "cached", "buffers"} {
			if _, err := c.reg.AddDimension(m.stRAM, dim, "", 1, 1024, rrddb.AlgorithmAbsolute); err != nil {
				return err
			}
		}
	} else {
		m.stRAM.Next()
	}

	used := values["MemTotal"] - values["MemFree"] - values["Cached"] - values["Buffers"]
	m.stRAM.SetDimension("used", used)
	m.stRAM.SetDimension("free", values["MemFree"])
	m.stRAM.SetDimension("cached", values["Cached"])
	m.stRAM.SetDimension("buffers", values["Buffers"])
	m.stRAM.Done()

	// swap only when the machine has some
	if values["SwapTotal"] == 0 && m.stSwap == nil {
		return nil
	}

	if m.stSwap == nil {
		m.stSwap, err = c.reg.CreateOrGet(rrddb.ChartOptions{
			Type: "system", ID: "swap", Family: "swap",
			Title: "System Swap", Units: "MB",
			Priority: 201, UpdateEvery: c.cfg.UpdateEvery, ChartType: rrddb.ChartTypeStacked,
		})
		if err != nil {
			return err
		}
		for _, dim := range []string{"used", "free"} {
			if _, err := c.reg.AddDimension(m.stSwap, dim, "", 1, 1024, rrddb.AlgorithmAbsolute); err != nil {
				return err
			}
		}
	} else {
		m.stSwap.Next()
	}

	m.stSwap.SetDimension("used", values["SwapTotal"]-values["SwapFree"])
	m.stSwap.SetDimension("free", values["SwapFree"])
	m.stSwap.Done()

	return nil
}
