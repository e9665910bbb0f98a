// Package metrics exposes Prometheus collectors for the relay and the
// standalone metrics server they are scraped from.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reporelay_connections_open",
		Help: "Number of currently registered WebSocket connections.",
	})
	ConnectionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reporelay_connections_opened_total",
		Help: "Total WebSocket connections registered since start.",
	})
	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reporelay_broadcasts_total",
		Help: "Total broadcast fan-outs to connected clients.",
	})
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reporelay_deliveries_total",
		Help: "Inbound webhook deliveries by verification outcome.",
	}, []string{"outcome"})
	GithubCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reporelay_github_calls_total",
		Help: "GitHub API calls by operation and result.",
	}, []string{"op", "result"})
	WorkflowErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reporelay_workflow_errors_total",
		Help: "Per-item failures isolated inside aggregation workflows.",
	})
)

// NewServer returns the metrics HTTP server for addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}
