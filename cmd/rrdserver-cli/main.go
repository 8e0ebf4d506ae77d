// rrdserver-cli inspects a running server and its on-disk database files.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/jedib0t/go-pretty/v6/table"
	jsoniter "github.com/json-iterator/go"

	"github.com/netdata/rrdserver/rrddb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var cli struct {
	List listCmd `cmd:"" help:"List the charts of a running server."`
	Dump dumpCmd `cmd:"" help:"Decode a database file."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("rrdserver-cli"),
		kong.Description("Inspect a running rrdserver and its database files."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type listCmd struct {
	URL string `default:"http://localhost:19999" help:"Base URL of the server."`
}

func (c *listCmd) Run() error {
	resp, err := http.Get(c.URL + "/all.json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var body struct {
		Charts []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Units       string `json:"units"`
			ChartType   string `json:"chart_type"`
			UpdateEvery int    `json:"update_every"`
			Entries     int    `json:"entries"`
			LastEntryT  int64  `json:"last_entry_t"`
			Dimensions  []struct {
				ID string `json:"id"`
			} `json:"dimensions"`
		} `json:"charts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}

	w := table.NewWriter()
	w.SetOutputMirror(os.Stdout)
	w.AppendHeader(table.Row{"id", "name", "units", "type", "every", "entries", "dims", "last entry"})
	for _, st := range body.Charts {
		w.AppendRow(table.Row{
			st.ID, st.Name, st.Units, st.ChartType, st.UpdateEvery, st.Entries,
			len(st.Dimensions), time.Unix(st.LastEntryT, 0).Format(time.RFC3339),
		})
	}
	w.Render()
	return nil
}

type dumpCmd struct {
	File  string `arg:"" help:"A main.db or <dimension>.db file."`
	Slots bool   `help:"Print every ring slot."`
}

func (c *dumpCmd) Run() error {
	if chart, err := rrddb.ReadChartFile(c.File); err == nil {
		return c.dumpChart(chart)
	}

	dim, err := rrddb.ReadDimensionFile(c.File)
	if err != nil {
		return err
	}
	return c.dumpDimension(dim)
}

func (c *dumpCmd) dumpChart(info *rrddb.ChartFileInfo) error {
	w := table.NewWriter()
	w.SetOutputMirror(os.Stdout)
	w.AppendRows([]table.Row{
		{"id", info.ID},
		{"entries", info.Entries},
		{"update every", info.UpdateEvery},
		{"current entry", info.CurrentEntry},
		{"counter", info.Counter},
		{"counter done", info.CounterDone},
		{"last updated", info.LastUpdated.Format(time.RFC3339)},
		{"first entry", info.FirstEntry.Format(time.RFC3339)},
	})
	w.Render()
	return nil
}

func (c *dumpCmd) dumpDimension(info *rrddb.DimensionFileInfo) error {
	var existing, resets int
	for _, s := range info.Slots {
		if s.Exists() {
			existing++
		}
		if s.Reset() {
			resets++
		}
	}

	w := table.NewWriter()
	w.SetOutputMirror(os.Stdout)
	w.AppendRows([]table.Row{
		{"id", info.ID},
		{"algorithm", info.Algorithm.String()},
		{"multiplier", info.Multiplier},
		{"divisor", info.Divisor},
		{"update every", info.UpdateEvery},
		{"entries", info.Entries},
		{"last collected", info.LastCollected.Format(time.RFC3339)},
		{"slots with data", existing},
		{"slots with resets", resets},
	})
	w.Render()

	if !c.Slots {
		return nil
	}

	sw := table.NewWriter()
	sw.SetOutputMirror(os.Stdout)
	sw.AppendHeader(table.Row{"slot", "value", "exists", "reset"})
	for i, s := range info.Slots {
		sw.AppendRow(table.Row{i, s.Value(), s.Exists(), s.Reset()})
	}
	sw.Render()
	return nil
}
