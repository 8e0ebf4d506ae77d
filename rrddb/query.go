package rrddb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricQueries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rrdserver",
	Name:      "queries_total",
	Help:      "Total number of data queries executed.",
}, []string{"result"})

// GroupMethod is how consecutive slots aggregate into one output row.
type GroupMethod int

const (
	GroupAverage GroupMethod = iota
	GroupMax
	GroupSum
)

// GroupMethodID parses a method name; anything unknown means average.
func GroupMethodID(name string) GroupMethod {
	switch name {
	case "max":
		return GroupMax
	case "sum":
		return GroupSum
	}
	return GroupAverage
}

func (m GroupMethod) String() string {
	switch m {
	case GroupMax:
		return "max"
	case GroupSum:
		return "sum"
	default:
		return "average"
	}
}

// Options alter the shape of a query result.
type Options uint32

const (
	// OptionNonZero drops dimensions whose output sums to exactly zero
	// across the window. When every dimension sums to zero, all are kept.
	OptionNonZero Options = 1 << iota
	// OptionIncludeHidden offers hidden dimensions too.
	OptionIncludeHidden
)

// Request is a query as received from the API layer.
type Request struct {
	Chart      string // resolved by id first, then by name
	Points     int
	GroupCount int
	Method     GroupMethod
	After      int64 // 0 newest window, negative relative to now, else epoch
	Before     int64
	Options    Options
}

// Row is one output point: a timestamp and one value per dimension, with
// the per-cell counter-reset annotation.
type Row struct {
	Time   int64
	Values []float64
	Resets []bool
}

// Result is the shaped output of a query.
type Result struct {
	ChartID    string
	ChartName  string
	Title      string
	Units      string
	ChartType  ChartType
	UpdateEvery int

	DimensionNames []string
	Rows           []Row

	// LatestTimestamp is the chart's newest slot time, the freshness
	// signal used by the datasource wrapper.
	LatestTimestamp int64
}

// Query compiles and executes a request against the registry.
func (r *Registry) Query(req Request) (*Result, error) {
	st := r.FindByID(req.Chart)
	if st == nil {
		st = r.FindByName(req.Chart)
	}
	if st == nil {
		metricQueries.WithLabelValues("not_found").Inc()
		return nil, ErrChartNotFound
	}

	metricQueries.WithLabelValues("ok").Inc()
	return queryChart(st, req, r.now().Unix()), nil
}

func queryChart(st *Chart, req Request, nowSec int64) *Result {
	st.mtx.RLock()
	defer st.mtx.RUnlock()

	res := &Result{
		ChartID:         st.id,
		ChartName:       st.name,
		Title:           st.title,
		Units:           st.units,
		ChartType:       st.chartType,
		UpdateEvery:     st.updateEvery,
		LatestTimestamp: st.LastEntryT(),
	}

	available := st.counter
	if available > uint64(st.entries) {
		available = uint64(st.entries)
	}
	if available == 0 {
		return res
	}

	points := req.Points
	if points < 1 {
		points = 1
	}
	group := req.GroupCount
	if group < 1 {
		group = 1
	}

	ue := int64(st.updateEvery)
	lastT := st.LastEntryT()
	firstT := lastT - (int64(available)-1)*ue

	after, before := req.After, req.Before
	if before < 0 {
		before = nowSec + before
	}
	if after < 0 {
		after = nowSec + after
	}
	if after > before && before != 0 {
		after = 0
	}
	if before == 0 || before > lastT {
		before = lastT
	}
	if before < firstT {
		before = firstT
	}
	if after == 0 || after < firstT {
		after = firstT
	}
	if after > before {
		after = before
	}

	// align the window start so the newest data survive truncation
	n := (before-after)/ue + 1
	if needed := int64(points) * int64(group); n > needed {
		after = before - (needed-1)*ue
		n = needed
	}

	// stage 1: per-dimension aggregation over time
	type column struct {
		rd     *Dimension
		values []float64
		resets []bool
		sum    float64
	}

	blocks := int((n + int64(group) - 1) / int64(group))
	times := make([]int64, 0, blocks)

	columns := make([]*column, 0, len(st.dimensions))
	for _, rd := range st.dimensions {
		if rd.hidden && req.Options&OptionIncludeHidden == 0 {
			continue
		}
		col := &column{
			rd:     rd,
			values: make([]float64, 0, blocks),
			resets: make([]bool, 0, blocks),
		}

		var (
			acc      float64
			blockMax float64
			count    int
			reset    bool
			inBlk    int
			blkIdx   int
		)
		flush := func(t int64) {
			var v float64
			switch req.Method {
			case GroupMax:
				v = blockMax
			case GroupSum:
				v = acc
			default:
				if count > 0 {
					v = acc / float64(count)
				}
			}
			col.values = append(col.values, v)
			col.resets = append(col.resets, reset)
			col.sum += v

			if blkIdx >= len(times) {
				times = append(times, t)
			}
			blkIdx++
			acc, blockMax, count, reset, inBlk = 0, 0, 0, false, 0
		}

		for t := after; t <= before; t += ue {
			sn := rd.vals[st.Time2Slot(t)]
			if sn.Exists() {
				v := sn.Value()
				acc += v
				if count == 0 || v > blockMax {
					blockMax = v
				}
				count++
				if sn.Reset() {
					reset = true
				}
			}
			inBlk++
			if inBlk == group || t == before {
				flush(t)
			}
		}

		columns = append(columns, col)
	}

	// nonzero: drop flat dimensions, unless that would drop everything
	if req.Options&OptionNonZero != 0 {
		nonZero := columns[:0:0]
		for _, col := range columns {
			if col.sum != 0 {
				nonZero = append(nonZero, col)
			}
		}
		if len(nonZero) > 0 {
			columns = nonZero
		}
	}

	// stage 2: shape the rows
	res.DimensionNames = make([]string, len(columns))
	for i, col := range columns {
		res.DimensionNames[i] = col.rd.name
	}

	res.Rows = make([]Row, len(times))
	for i, t := range times {
		row := Row{
			Time:   t,
			Values: make([]float64, len(columns)),
			Resets: make([]bool, len(columns)),
		}
		for j, col := range columns {
			row.Values[j] = col.values[i]
			row.Resets[j] = col.resets[i]
		}
		res.Rows[i] = row
	}

	return res
}
