// Package metrics exposes Prometheus collectors for query-server traffic.
//
// A Collector implements jsonrpc.Observer so it can be handed straight to a
// connection, and also counts evaluator restarts and query outcomes. The CLI
// writes the registry in text exposition format for node_exporter's textfile
// collector at the end of a run.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"qlbridge/internal/jsonrpc"
)

const namespace = "qlbridge"

// Collector owns a private registry so repeated runs in one process never
// collide with the default registerer.
type Collector struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	inFlight *prometheus.GaugeVec
	duration *prometheus.HistogramVec
	progress *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	restarts prometheus.Counter
	queries  *prometheus.CounterVec
}

var _ jsonrpc.Observer = (*Collector)(nil)

// New builds and registers every collector.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Query server requests by method and terminal outcome.",
		}, []string{"method", "outcome"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_in_flight",
			Help:      "Query server requests awaiting a response.",
		}, []string{"method"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Time from sending a request to its terminal outcome.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}, []string{"method"}),
		progress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "progress_notifications_total",
			Help:      "Progress notifications routed to in-flight requests.",
		}, []string{"method"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames that matched no pending request or handler.",
		}, []string{"reason"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queryserver",
			Name:      "restarts_total",
			Help:      "Query server restarts after an unexpected exit.",
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queryserver",
			Name:      "queries_total",
			Help:      "Completed evaluations by result type.",
		}, []string{"result"}),
	}
	c.registry.MustRegister(c.requests, c.inFlight, c.duration, c.progress, c.dropped, c.restarts, c.queries)
	return c
}

// Registry exposes the underlying registry for custom exposition.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) CallStarted(method string) {
	c.inFlight.WithLabelValues(method).Inc()
}

func (c *Collector) CallFinished(method string, outcome jsonrpc.Outcome, elapsed time.Duration) {
	c.inFlight.WithLabelValues(method).Dec()
	c.requests.WithLabelValues(method, string(outcome)).Inc()
	c.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (c *Collector) ProgressReceived(method string) {
	c.progress.WithLabelValues(method).Inc()
}

func (c *Collector) FrameDropped(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
}

// RestartRecorded counts one evaluator restart.
func (c *Collector) RestartRecorded() {
	c.restarts.Inc()
}

// QueryFinished counts one evaluation by its result type name.
func (c *Collector) QueryFinished(result string) {
	c.queries.WithLabelValues(result).Inc()
}

// WriteFile atomically writes the registry in text exposition format.
func (c *Collector) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
