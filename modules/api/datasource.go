package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// tqxParams is the parsed Google Visualization request envelope:
// ?tqx=version:0.6;reqId:1;sig:...;out:json;responseHandler:...
type tqxParams struct {
	version         string
	reqID           string
	sig             string
	out             string
	responseHandler string
}

// tqxFromRawQuery extracts the tqx parameter by hand: its value carries
// semicolons, which net/url refuses as query separators.
func tqxFromRawQuery(rawQuery string) string {
	for _, kv := range strings.Split(rawQuery, "&") {
		if strings.HasPrefix(kv, "tqx=") {
			return strings.TrimPrefix(kv, "tqx=")
		}
	}
	return ""
}

func parseTqx(raw string) tqxParams {
	p := tqxParams{
		version:         "0.6",
		reqID:           "0",
		sig:             "0",
		out:             "json",
		responseHandler: "google.visualization.Query.setResponse",
	}

	for _, kv := range strings.Split(raw, ";") {
		parts := strings.SplitN(kv, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		switch parts[0] {
		case "version":
			p.version = parts[1]
		case "reqId":
			p.reqID = parts[1]
		case "sig":
			p.sig = parts[1]
		case "out":
			p.out = parts[1]
		case "responseHandler":
			p.responseHandler = parts[1]
		}
	}
	return p
}

// datasource serves the Google Visualization wrapper around a data query.
// When the client's sig matches the chart's newest timestamp the payload
// is a not_modified error instead of the table.
func (h *Handler) datasource(w http.ResponseWriter, r *http.Request) {
	req := parseDataPath(strings.TrimPrefix(r.URL.Path, "/datasource/"))
	tqx := parseTqx(tqxFromRawQuery(r.URL.RawQuery))

	if tqx.out != "json" {
		h.writeJSON(w, map[string]interface{}{
			"version": tqx.version,
			"reqId":   tqx.reqID,
			"status":  "error",
			"errors": []map[string]string{{
				"reason":           "invalid_query",
				"message":          "output format is not supported",
				"detailed_message": fmt.Sprintf("the format %s requested is not supported", tqx.out),
			}},
		})
		return
	}

	res, err := h.reg.Query(req)
	if err != nil {
		h.notFound(w, req.Chart)
		return
	}

	if sig, err := strconv.ParseInt(tqx.sig, 10, 64); err == nil && sig == res.LatestTimestamp {
		// the client already has the newest data
		h.writeJSON(w, map[string]interface{}{
			"version": tqx.version,
			"reqId":   tqx.reqID,
			"status":  "error",
			"errors": []map[string]string{{
				"reason":  "not_modified",
				"message": "Data not modified",
			}},
		})
		return
	}

	h.writeJSON(w, map[string]interface{}{
		"version": tqx.version,
		"reqId":   tqx.reqID,
		"status":  "ok",
		"sig":     strconv.FormatInt(res.LatestTimestamp, 10),
		"table":   resultTable(res),
	})
}
