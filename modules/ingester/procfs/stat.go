package procfs

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/netdata/rrdserver/rrddb"
)

// statCollector reads /proc/stat: per-cpu jiffies plus the interrupt,
// context switch and fork counters.
type statCollector struct {
	c *Collector

	cpuCharts map[string]*rrddb.Chart
	stIntr    *rrddb.Chart
	stCtxt    *rrddb.Chart
	stForks   *rrddb.Chart
}

func (s *statCollector) collect() error {
	f, err := os.Open(s.c.procPath("/proc/stat"))
	if err != nil {
		return errors.Wrap(err, "open /proc/stat")
	}
	defer f.Close()

	if s.cpuCharts == nil {
		s.cpuCharts = map[string]*rrddb.Chart{}
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}

		switch {
		case strings.HasPrefix(fields[0], "cpu"):
			if err := s.cpuLine(fields); err != nil {
				return err
			}
		case fields[0] == "intr":
			if err := s.counterLine(&s.stIntr, "intr", "Interrupts", "interrupts/s", 1000, fields[1]); err != nil {
				return err
			}
		case fields[0] == "ctxt":
			if err := s.counterLine(&s.stCtxt, "ctxt", "Context Switches", "context switches/s", 1100, fields[1]); err != nil {
				return err
			}
		case fields[0] == "processes":
			if err := s.counterLine(&s.stForks, "forks", "Started Processes", "processes/s", 1200, fields[1]); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

var cpuDimensions = []string{"user", "nice", "system", "idle", "iowait", "irq", "softirq"}

func (s *statCollector) cpuLine(fields []string) error {
	c := s.c

	id := fields[0] // "cpu" is the total, "cpuN" one core
	typ, chartID, title, priority := "cpu", id, "Core utilization", int64(101)
	if id == "cpu" {
		typ, chartID, title, priority = "system", "cpu", "Total CPU utilization", 100
	}

	st, ok := s.cpuCharts[id]
	if !ok {
		var err error
		st, err = c.reg.CreateOrGet(rrddb.ChartOptions{
			Type: typ, ID: chartID, Family: "cpu",
			Title: title, Units: "percentage",
			Priority: priority, UpdateEvery: c.cfg.UpdateEvery, ChartType: rrddb.ChartTypeStacked,
		})
		if err != nil {
			return err
		}
		for _, dim := range cpuDimensions {
			// jiffies at 100Hz: each tick is one percent of a second
			if _, err := c.reg.AddDimension(st, dim, "", 1, int64(c.cfg.UpdateEvery), rrddb.AlgorithmIncremental); err != nil {
				return err
			}
		}
		st.HideDimension("idle")
		s.cpuCharts[id] = st
	} else {
		st.Next()
	}

	for i, dim := range cpuDimensions {
		if i+1 >= len(fields) {
			break
		}
		v, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil {
			continue
		}
		st.SetDimension(dim, v)
	}
	st.Done()
	return nil
}

func (s *statCollector) counterLine(chart **rrddb.Chart, id, title, units string, priority int64, value string) error {
	c := s.c

	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil
	}

	if *chart == nil {
		*chart, err = c.reg.CreateOrGet(rrddb.ChartOptions{
			Type: "system", ID: id, Family: "system",
			Title: title, Units: units,
			Priority: priority, UpdateEvery: c.cfg.UpdateEvery, ChartType: rrddb.ChartTypeLine,
		})
		if err != nil {
			return err
		}
		if _, err := c.reg.AddDimension(*chart, id, "", 1, int64(c.cfg.UpdateEvery), rrddb.AlgorithmIncremental); err != nil {
			return err
		}
	} else {
		(*chart).Next()
	}

	(*chart).SetDimension(id, v)
	(*chart).Done()
	return nil
}
