package procfs

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/netdata/rrdserver/rrddb"
)

// netdevCollector reads /proc/net/dev into one chart per interface.
type netdevCollector struct {
	c *Collector

	charts map[string]*rrddb.Chart
}

func (n *netdevCollector) collect() error {
	f, err := os.Open(n.c.procPath("/proc/net/dev"))
	if err != nil {
		return errors.Wrap(err, "open /proc/net/dev")
	}
	defer f.Close()

	if n.charts == nil {
		n.charts = map[string]*rrddb.Chart{}
	}

	c := n.c

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		sep := strings.IndexByte(line, ':')
		if sep < 0 {
			continue
		}

		iface := strings.TrimSpace(line[:sep])
		fields := strings.Fields(line[sep+1:])
		if iface == "" || len(fields) < 9 {
			continue
		}

		if !c.conf.GetBoolean("plugin:proc:/proc/net/dev", "interface "+iface, iface != "lo") {
			continue
		}

		received, err1 := strconv.ParseInt(fields[0], 10, 64)
		sent, err2 := strconv.ParseInt(fields[8], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}

		st, ok := n.charts[iface]
		if !ok {
			st, err = c.reg.CreateOrGet(rrddb.ChartOptions{
				Type: "net", ID: iface, Family: iface,
				Title: "Bandwidth", Units: "kilobits/s",
				Priority: 7000, UpdateEvery: c.cfg.UpdateEvery, ChartType: rrddb.ChartTypeArea,
			})
			if err != nil {
				return err
			}
			if _, err := c.reg.AddDimension(st, "received", "", 8, 1024*int64(c.cfg.UpdateEvery), rrddb.AlgorithmIncremental); err != nil {
				return err
			}
			if _, err := c.reg.AddDimension(st, "sent", "", -8, 1024*int64(c.cfg.UpdateEvery), rrddb.AlgorithmIncremental); err != nil {
				return err
			}
			n.charts[iface] = st
		} else {
			st.Next()
		}

		st.SetDimension("received", received)
		st.SetDimension("sent", sent)
		st.Done()
	}
	return scanner.Err()
}
