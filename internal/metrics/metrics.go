// Package metrics exposes the replication engine's operational counters
// through go-kit metrics, backed by Prometheus when enabled.
package metrics

import (
	"net/http"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "georepl"

// Metrics groups every instrument used by the engine.
type Metrics struct {
	Writes             metrics.Counter   // labels: level
	PropagationFailure metrics.Counter   // labels: region, sink
	PropagationLatency metrics.Histogram // labels: region
	ConflictsOpened    metrics.Counter
	ConflictsResolved  metrics.Counter   // labels: strategy
	PendingConflicts   metrics.Gauge
	ChecksumRejected   metrics.Counter   // labels: origin
	RemoteEvents       metrics.Counter   // labels: outcome
	Lag                metrics.Gauge     // labels: region
	LocalityDenied     metrics.Counter   // labels: region

	registry *prom.Registry
}

// NewDiscard returns instruments that drop every observation.
func NewDiscard() *Metrics {
	return &Metrics{
		Writes:             discard.NewCounter(),
		PropagationFailure: discard.NewCounter(),
		PropagationLatency: discard.NewHistogram(),
		ConflictsOpened:    discard.NewCounter(),
		ConflictsResolved:  discard.NewCounter(),
		PendingConflicts:   discard.NewGauge(),
		ChecksumRejected:   discard.NewCounter(),
		RemoteEvents:       discard.NewCounter(),
		Lag:                discard.NewGauge(),
		LocalityDenied:     discard.NewCounter(),
	}
}

// NewPrometheus registers instruments on a dedicated registry.
func NewPrometheus(region string) *Metrics {
	reg := prom.NewRegistry()
	constLabels := prom.Labels{"local_region": region}

	counter := func(subsystem, name, help string, labels ...string) metrics.Counter {
		cv := prom.NewCounterVec(prom.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
		reg.MustRegister(cv)
		return prometheus.NewCounter(cv)
	}
	gauge := func(subsystem, name, help string, labels ...string) metrics.Gauge {
		gv := prom.NewGaugeVec(prom.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
		reg.MustRegister(gv)
		return prometheus.NewGauge(gv)
	}

	hv := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace:   namespace,
		Subsystem:   "fanout",
		Name:        "propagation_seconds",
		Help:        "Time to propagate a write to one target region.",
		ConstLabels: constLabels,
		Buckets:     prom.DefBuckets,
	}, []string{"region"})
	reg.MustRegister(hv)

	return &Metrics{
		Writes:             counter("coordinator", "writes_total", "Local writes accepted, by consistency level.", "level"),
		PropagationFailure: counter("fanout", "failures_total", "Failed propagations, by target region and sink.", "region", "sink"),
		PropagationLatency: prometheus.NewHistogram(hv),
		ConflictsOpened:    counter("conflict", "opened_total", "Concurrent writes detected."),
		ConflictsResolved:  counter("conflict", "resolved_total", "Conflicts resolved, by strategy.", "strategy"),
		PendingConflicts:   gauge("conflict", "pending", "Conflicts awaiting resolution."),
		ChecksumRejected:   counter("receive", "checksum_rejected_total", "Remote events rejected for checksum mismatch.", "origin"),
		RemoteEvents:       counter("receive", "events_total", "Remote events processed, by outcome.", "outcome"),
		Lag:                gauge("lag", "milliseconds", "Current replication lag per region.", "region"),
		LocalityDenied:     counter("locality", "denied_total", "Propagations refused by residency rules.", "region"),
		registry:           reg,
	}
}

// Handler serves the Prometheus exposition format. It returns 404 for
// discard metrics.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
