package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

var (
	metricWebRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rrdserver",
		Name:      "web_requests_total",
		Help:      "Total number of HTTP requests served.",
	})
	metricConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rrdserver",
		Name:      "web_connected_clients",
		Help:      "Currently connected HTTP clients.",
	})
)

// Global holds the process-wide observability counters. They are data for
// the self-monitoring charts, not part of any correctness invariant.
type Global struct {
	ConnectedClients atomic.Int64
	WebRequests      atomic.Int64
	BytesReceived    atomic.Int64
	BytesSent        atomic.Int64
}

var global Global

// Get returns the process-wide statistics.
func Get() *Global {
	return &global
}

// ClientConnected accounts a new HTTP client.
func (g *Global) ClientConnected() {
	g.ConnectedClients.Inc()
	metricConnectedClients.Inc()
}

// ClientDisconnected accounts an HTTP client going away.
func (g *Global) ClientDisconnected() {
	g.ConnectedClients.Dec()
	metricConnectedClients.Dec()
}

// Request accounts one served request with its request and response sizes.
func (g *Global) Request(received, sent int64) {
	g.WebRequests.Inc()
	g.BytesReceived.Add(received)
	g.BytesSent.Add(sent)
	metricWebRequests.Inc()
}
