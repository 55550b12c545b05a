package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GaugeSource supplies a live numeric value for the metrics endpoint, e.g.
// ring buffer depth or free heap.
type GaugeSource func() float64

// Exporter bridges the tracker and other pipeline counters to Prometheus.
// It owns a private registry so tests can build exporters freely.
type Exporter struct {
	registry *prometheus.Registry
}

// NewExporter registers counter and gauge views over the tracker. gauges maps
// metric name -> live source; names should carry the csinode_ prefix.
func NewExporter(t *Tracker, gauges map[string]GaugeSource) *Exporter {
	registry := prometheus.NewRegistry()

	counters := map[string]func() uint64{
		"csinode_samples_delivered_total": t.DeliveredSamples,
		"csinode_samples_dropped_total":   t.DroppedSamples,
		"csinode_samples_retried_total":   t.RetriedSamples,
		"csinode_transport_swaps_total":   t.TransportSwaps,
		"csinode_ota_checks_total":        t.OTAChecks,
		"csinode_ota_installs_total":      t.OTAInstalls,
		"csinode_ota_failures_total":      t.OTAFailures,
		"csinode_health_criticals_total":  t.HealthCriticals,
	}
	for name, source := range counters {
		src := source
		registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: name,
			Help: "Cumulative count maintained by the stats tracker.",
		}, func() float64 { return float64(src()) }))
	}
	for name, source := range gauges {
		src := source
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: "Live value sampled at scrape time.",
		}, src))
	}
	return &Exporter{registry: registry}
}

// Handler returns the scrape handler for the admin HTTP server.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
