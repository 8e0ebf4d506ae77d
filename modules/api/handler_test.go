package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netdata/rrdserver/pkg/config"
	"github.com/netdata/rrdserver/rrddb"
)

func testHandler(t *testing.T) (*Handler, *rrddb.Registry) {
	t.Helper()
	conf := config.New()
	reg := rrddb.NewRegistry(rrddb.Config{
		Dir:            t.TempDir(),
		HistoryEntries: 20,
		UpdateEvery:    1,
		MemoryModeName: "ram",
	}, conf)

	now := time.Unix(1700000000, 0)
	reg.SetClock(func() time.Time { return now })

	st, err := reg.CreateOrGet(rrddb.ChartOptions{Type: "system", ID: "cpu", Title: "CPU", Units: "percentage"})
	require.NoError(t, err)
	_, err = reg.AddDimension(st, "user", "user", 1, 1, rrddb.AlgorithmAbsolute)
	require.NoError(t, err)
	_, err = reg.AddDimension(st, "system", "system", 1, 1, rrddb.AlgorithmAbsolute)
	require.NoError(t, err)

	for k := 0; k <= 10; k++ {
		if k > 0 {
			now = now.Add(time.Second)
			st.NextUsec(1000000)
		}
		st.SetDimension("user", 60)
		st.SetDimension("system", 40)
		st.Done()
	}

	return New(reg, conf), reg
}

func get(t *testing.T, h http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDataEndpoint(t *testing.T) {
	h, _ := testHandler(t)
	router := h.Router()

	w := get(t, router, "/data/system.cpu/5/1/average")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Labels []string        `json:"labels"`
		Data   [][]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	assert.Equal(t, []string{"time", "user", "system"}, body.Labels)
	require.Len(t, body.Data, 5)
	require.Len(t, body.Data[0], 3)
	assert.InDelta(t, 60.0, body.Data[0][1].(float64), 0.1)
	assert.InDelta(t, 40.0, body.Data[0][2].(float64), 0.1)
}

func TestDataUnknownChartIs404(t *testing.T) {
	h, _ := testHandler(t)
	w := get(t, h.Router(), "/data/no.such.chart")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDataByName(t *testing.T) {
	h, _ := testHandler(t)
	w := get(t, h.Router(), "/data/system.cpu/3")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListEndpoint(t *testing.T) {
	h, _ := testHandler(t)
	w := get(t, h.Router(), "/list")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "system.cpu")
}

func TestAllJSONEndpoint(t *testing.T) {
	h, _ := testHandler(t)
	w := get(t, h.Router(), "/all.json")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Charts []map[string]interface{} `json:"charts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Charts, 1)
	assert.Equal(t, "system.cpu", body.Charts[0]["id"])
	assert.Len(t, body.Charts[0]["dimensions"], 2)
}

func TestNetdataConfEndpoint(t *testing.T) {
	h, _ := testHandler(t)
	w := get(t, h.Router(), "/netdata.conf")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "system.cpu")
	assert.Contains(t, w.Body.String(), "history")
}

func TestMirrorEndpoint(t *testing.T) {
	h, _ := testHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/mirror?x=1", nil)
	req.Header.Set("X-Probe", "yes")
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "GET /mirror?x=1")
	assert.Contains(t, w.Body.String(), "X-Probe")
}

func TestDebugEndpointToggles(t *testing.T) {
	h, reg := testHandler(t)
	st := reg.FindByID("system.cpu")
	require.False(t, st.Debug())

	w := get(t, h.Router(), "/debug/system.cpu")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, st.Debug())

	w = get(t, h.Router(), "/debug/system.cpu")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, st.Debug())
}

func TestDatasourceEndpoint(t *testing.T) {
	h, reg := testHandler(t)
	router := h.Router()

	w := get(t, router, "/datasource/system.cpu/5?tqx=version:0.6;reqId:7;sig:0;out:json")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "7", body["reqId"])
	require.Contains(t, body, "table")

	// replaying the returned sig reports not modified
	st := reg.FindByID("system.cpu")
	sig := body["sig"].(string)
	require.Equal(t, st.LastEntryT(), mustInt(t, sig))

	w = get(t, router, "/datasource/system.cpu/5?tqx=sig:"+sig+";out:json")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, w.Body.String(), "not_modified")
}

func TestDatasourceRejectsNonJSON(t *testing.T) {
	h, _ := testHandler(t)
	w := get(t, h.Router(), "/datasource/system.cpu/5?tqx=out:csv")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_query")
}

func TestGraphEndpoint(t *testing.T) {
	h, _ := testHandler(t)
	w := get(t, h.Router(), "/graph/system.cpu/5")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Chart map[string]interface{} `json:"chart"`
		Data  map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "system.cpu", body.Chart["id"])
	assert.NotEmpty(t, body.Data["data"])
}

func mustInt(t *testing.T, s string) int64 {
	t.Helper()
	v, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return v
}
