// Package metrics exports resource store and persistence statistics to
// Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "resdb"

// Listener event results.
const (
	resultDelivered = "delivered"
	resultDropped   = "dropped"
)

// Collector holds all Prometheus metrics for the resource database.
// It implements resource.Metrics and persistence.Metrics.
type Collector struct {
	// Store metrics
	LiveResources    prometheus.Gauge
	ResourcesCreated prometheus.Counter
	ResourcesDeleted prometheus.Counter
	ValueWrites      prometheus.Counter
	References       prometheus.Counter
	ListenerEvents   *prometheus.CounterVec

	// Persistence metrics
	Flushes        prometheus.Counter
	FlushErrors    prometheus.Counter
	Pending        prometheus.Gauge
	FlushDuration  prometheus.Histogram
}

// New creates a collector with all metrics registered on reg.
// Tests pass a fresh prometheus.NewRegistry() to avoid global state.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		LiveResources: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_live",
				Help:      "Number of live nodes in the resource tree",
			},
		),
		ResourcesCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_created_total",
				Help:      "Total number of nodes created",
			},
		),
		ResourcesDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_deleted_total",
				Help:      "Total number of nodes deleted",
			},
		),
		ValueWrites: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "value_writes_total",
				Help:      "Total number of value writes that changed a node",
			},
		),
		References: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "references_total",
				Help:      "Total number of reference links made",
			},
		),
		ListenerEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "listener_events_total",
				Help:      "Total listener events by delivery result",
			},
			[]string{"result"},
		),

		Flushes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "persistence",
				Name:      "flushes_total",
				Help:      "Total number of successful record log flushes",
			},
		),
		FlushErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "persistence",
				Name:      "flush_errors_total",
				Help:      "Total number of failed flushes and compactions",
			},
		),
		Pending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "persistence",
				Name:      "pending_records",
				Help:      "Nodes with changes not yet written to the record log",
			},
		),
		FlushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "persistence",
				Name:      "flush_duration_seconds",
				Help:      "Record log flush duration in seconds",
				Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
	}
}

// NodesCreated implements resource.Metrics.
func (c *Collector) NodesCreated(n int) { c.ResourcesCreated.Add(float64(n)) }

// NodesDeleted implements resource.Metrics.
func (c *Collector) NodesDeleted(n int) { c.ResourcesDeleted.Add(float64(n)) }

// LiveNodes implements resource.Metrics.
func (c *Collector) LiveNodes(n int) { c.LiveResources.Set(float64(n)) }

// ValueWritten implements resource.Metrics.
func (c *Collector) ValueWritten() { c.ValueWrites.Inc() }

// ReferenceLinked implements resource.Metrics.
func (c *Collector) ReferenceLinked() { c.References.Inc() }

// EventsDelivered implements resource.Metrics.
func (c *Collector) EventsDelivered(n int) {
	c.ListenerEvents.WithLabelValues(resultDelivered).Add(float64(n))
}

// EventsDropped implements resource.Metrics.
func (c *Collector) EventsDropped(n int) {
	c.ListenerEvents.WithLabelValues(resultDropped).Add(float64(n))
}

// FlushCompleted implements persistence.Metrics.
func (c *Collector) FlushCompleted(_ int, d time.Duration) {
	c.Flushes.Inc()
	c.FlushDuration.Observe(d.Seconds())
}

// FlushFailed implements persistence.Metrics.
func (c *Collector) FlushFailed() { c.FlushErrors.Inc() }

// PendingRecords implements persistence.Metrics.
func (c *Collector) PendingRecords(n int) { c.Pending.Set(float64(n)) }
