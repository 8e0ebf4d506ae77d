// Package api implements the HTTP query surface over the chart registry.
// Transport concerns (TLS, chunking, file serving) stay outside; this is
// routing, parameter grammar and JSON shaping only.
package api

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/NYTimes/gziphandler"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netdata/rrdserver/pkg/config"
	"github.com/netdata/rrdserver/pkg/stats"
	"github.com/netdata/rrdserver/pkg/util/log"
	"github.com/netdata/rrdserver/rrddb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler serves the query endpoints.
type Handler struct {
	reg      *rrddb.Registry
	conf     *config.Config
	hostname string
	logger   kitlog.Logger
}

// New builds the API handler.
func New(reg *rrddb.Registry, conf *config.Config) *Handler {
	hostname := conf.Get("global", "hostname", "")
	if hostname == "" {
		hostname, _ = os.Hostname()
		hostname = conf.Set("global", "hostname", hostname)
	}
	return &Handler{
		reg:      reg,
		conf:     conf,
		hostname: hostname,
		logger:   kitlog.With(log.Logger, "component", "api"),
	}
}

// Router wires the endpoints, with gzip and request accounting applied.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()

	r.PathPrefix("/data/").HandlerFunc(h.data)
	r.PathPrefix("/datasource/").HandlerFunc(h.datasource)
	r.PathPrefix("/graph/").HandlerFunc(h.graph)
	r.HandleFunc("/list", h.list)
	r.HandleFunc("/all.json", h.allJSON)
	r.HandleFunc("/netdata.conf", h.netdataConf)
	r.HandleFunc("/mirror", h.mirror)
	r.PathPrefix("/debug/").HandlerFunc(h.debug)
	r.Handle("/metrics", promhttp.Handler())

	return gziphandler.GzipHandler(h.accounting(r))
}

// accounting counts requests and approximates bytes in/out for the
// self-monitoring charts.
func (h *Handler) accounting(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats.Get().ClientConnected()
		defer stats.Get().ClientDisconnected()

		cw := &countingWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)

		received := int64(len(r.Method) + len(r.URL.String()))
		for k, vs := range r.Header {
			received += int64(len(k))
			for _, v := range vs {
				received += int64(len(v))
			}
		}
		stats.Get().Request(received, cw.written)
	})
}

type countingWriter struct {
	http.ResponseWriter
	written int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

// parseDataPath parses the slash-separated request grammar:
// /<chart>[/<points>[/<group>[/<method>[/<after>[/<before>[/nonzero]]]]]]
func parseDataPath(path string) rrddb.Request {
	req := rrddb.Request{
		Points:     rrddb.DefaultHistoryEntries,
		GroupCount: 1,
		Method:     rrddb.GroupAverage,
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 {
		return req
	}
	req.Chart = parts[0]

	if len(parts) > 1 {
		if v, err := strconv.Atoi(parts[1]); err == nil && v >= 1 {
			req.Points = v
		}
	}
	if len(parts) > 2 {
		if v, err := strconv.Atoi(parts[2]); err == nil && v >= 1 {
			req.GroupCount = v
		}
	}
	if len(parts) > 3 {
		req.Method = rrddb.GroupMethodID(parts[3])
	}
	if len(parts) > 4 {
		if v, err := strconv.ParseInt(parts[4], 10, 64); err == nil {
			req.After = v
		}
	}
	if len(parts) > 5 {
		if v, err := strconv.ParseInt(parts[5], 10, 64); err == nil {
			req.Before = v
		}
	}
	if len(parts) > 6 && parts[6] == "nonzero" {
		req.Options |= rrddb.OptionNonZero
	}

	return req
}

// table is the JSON shape of a query result: a labels row and the data
// rows, oldest first.
type table struct {
	Labels []string        `json:"labels"`
	Data   [][]interface{} `json:"data"`
}

func resultTable(res *rrddb.Result) table {
	t := table{
		Labels: append([]string{"time"}, res.DimensionNames...),
		Data:   make([][]interface{}, 0, len(res.Rows)),
	}
	for _, row := range res.Rows {
		cells := make([]interface{}, 0, len(row.Values)+1)
		cells = append(cells, row.Time)
		for _, v := range row.Values {
			cells = append(cells, v)
		}
		t.Data = append(t.Data, cells)
	}
	return t
}

func (h *Handler) data(w http.ResponseWriter, r *http.Request) {
	req := parseDataPath(strings.TrimPrefix(r.URL.Path, "/data/"))

	res, err := h.reg.Query(req)
	if err != nil {
		h.notFound(w, req.Chart)
		return
	}

	h.writeJSON(w, resultTable(res))
}

func (h *Handler) graph(w http.ResponseWriter, r *http.Request) {
	req := parseDataPath(strings.TrimPrefix(r.URL.Path, "/graph/"))

	res, err := h.reg.Query(req)
	if err != nil {
		h.notFound(w, req.Chart)
		return
	}

	st := h.reg.FindByID(res.ChartID)
	if st == nil {
		h.notFound(w, req.Chart)
		return
	}

	h.writeJSON(w, map[string]interface{}{
		"chart": chartMeta(st),
		"data":  resultTable(res),
	})
}

func (h *Handler) list(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, st := range h.reg.Charts() {
		fmt.Fprintln(w, st.Name())
	}
}

func chartMeta(st *rrddb.Chart) map[string]interface{} {
	st.RLock()
	defer st.RUnlock()

	dims := make([]map[string]interface{}, 0, len(st.Dimensions()))
	for _, rd := range st.Dimensions() {
		dims = append(dims, map[string]interface{}{
			"id":         rd.ID(),
			"name":       rd.Name(),
			"algorithm":  rd.Algorithm().String(),
			"multiplier": rd.Multiplier(),
			"divisor":    rd.Divisor(),
			"hidden":     rd.Hidden(),
		})
	}

	return map[string]interface{}{
		"id":            st.ID(),
		"name":          st.Name(),
		"type":          st.Type(),
		"family":        st.Family(),
		"context":       st.Context(),
		"title":         st.Title(),
		"units":         st.Units(),
		"chart_type":    st.ChartType().String(),
		"priority":      st.Priority(),
		"enabled":       st.Enabled(),
		"detail":        st.Detail(),
		"update_every":  st.UpdateEvery(),
		"entries":       st.Entries(),
		"first_entry_t": st.FirstEntryT(),
		"last_entry_t":  st.LastEntryT(),
		"dimensions":    dims,
	}
}

func (h *Handler) allJSON(w http.ResponseWriter, _ *http.Request) {
	charts := h.reg.Charts()
	out := make([]map[string]interface{}, 0, len(charts))
	for _, st := range charts {
		out = append(out, chartMeta(st))
	}
	h.writeJSON(w, map[string]interface{}{"hostname": h.hostname, "charts": out})
}

func (h *Handler) netdataConf(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(h.conf.Dump())
}

func (h *Handler) mirror(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s %s %s\r\n", r.Method, r.URL.String(), r.Proto)
	_ = r.Header.Write(w)
}

func (h *Handler) debug(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/debug/"), "/")

	st := h.reg.FindByName(name)
	if st == nil {
		st = h.reg.FindByID(name)
	}
	if st == nil {
		h.notFound(w, name)
		return
	}

	st.SetDebug(!st.Debug())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "chart %s debug is now %v\r\n", st.ID(), st.Debug())
}

func (h *Handler) notFound(w http.ResponseWriter, chart string) {
	level.Debug(h.logger).Log("msg", "chart not found", "chart", chart)
	http.Error(w, fmt.Sprintf("chart %s is not found", chart), http.StatusNotFound)
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(h.logger).Log("msg", "cannot encode response", "err", err)
	}
}
