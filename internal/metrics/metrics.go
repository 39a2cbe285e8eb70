// Package metrics owns the process-wide Prometheus collectors served
// at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	v1 "github.com/myconet/myconet/pkg/api/v1"
)

// Registry wraps a dedicated Prometheus registry with the collectors
// the fabric and intake paths update.
type Registry struct {
	registry *prometheus.Registry

	// CommandsTotal counts router outcomes by integration and status.
	CommandsTotal *prometheus.CounterVec
	// CommandDuration observes dispatch latency per integration.
	CommandDuration *prometheus.HistogramVec
	// BusPublished counts messages accepted by the bus.
	BusPublished prometheus.Counter
	// BusDropped counts messages rejected on subscriber overflow.
	BusDropped prometheus.Counter
	// EventsTotal counts intake submissions by severity.
	EventsTotal *prometheus.CounterVec
}

// New creates the registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		registry: reg,
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myconet",
			Subsystem: "fabric",
			Name:      "commands_total",
			Help:      "Commands processed, by integration and final status.",
		}, []string{"integration", "status"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "myconet",
			Subsystem: "fabric",
			Name:      "command_duration_seconds",
			Help:      "End-to-end command latency, by integration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"integration"}),
		BusPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "myconet",
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Messages accepted for delivery.",
		}),
		BusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "myconet",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Messages rejected because a subscriber queue was full.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "myconet",
			Subsystem: "intake",
			Name:      "events_total",
			Help:      "Events accepted, by severity.",
		}, []string{"severity"}),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.CommandDuration,
		m.BusPublished,
		m.BusDropped,
		m.EventsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gather exposes the raw metric families for tests.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	return r.registry.Gather()
}

// HealthSource supplies agent health snapshots for scrape-time gauges.
type HealthSource interface {
	Health() []v1.AgentHealth
}

// WatchHealth registers a collector rendering per-agent status and
// queue depth gauges from the source at scrape time.
func (r *Registry) WatchHealth(src HealthSource) {
	r.registry.MustRegister(&healthCollector{src: src})
}

var (
	agentUpDesc = prometheus.NewDesc(
		"myconet_agent_up",
		"Agent liveness (1 when running, 0 otherwise), labeled with the reported status.",
		[]string{"agent", "status"}, nil,
	)
	queueDepthDesc = prometheus.NewDesc(
		"myconet_agent_queue_depth",
		"Tasks waiting per agent queue.",
		[]string{"agent", "queue"}, nil,
	)
)

type healthCollector struct {
	src HealthSource
}

func (c *healthCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- agentUpDesc
	ch <- queueDepthDesc
}

func (c *healthCollector) Collect(ch chan<- prometheus.Metric) {
	for _, h := range c.src.Health() {
		up := 0.0
		if h.Status == "running" {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(agentUpDesc, prometheus.GaugeValue, up, h.ID, h.Status)
		for queue, depth := range h.QueueDepths {
			ch <- prometheus.MustNewConstMetric(queueDepthDesc, prometheus.GaugeValue, float64(depth), h.ID, queue)
		}
	}
}
