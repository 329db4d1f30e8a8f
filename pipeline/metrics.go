package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the prometheus collectors a Pipeline reports to, in
// the style of the teacher's Chapter13/prom_http counter. Metrics is nil
// by default (WithMetrics must be used to enable it) so constructing a
// pipeline never requires a registry.
type Metrics struct {
	Submitted  prometheus.Counter
	Finalized  prometheus.Counter
	Failed     prometheus.Counter
	Anomalies  prometheus.Counter
	Latency    prometheus.Histogram
	InFlight   prometheus.Gauge
}

// NewMetrics registers a Metrics bundle labeled with the pipeline name
// against reg. Pass prometheus.DefaultRegisterer to export on the default
// /metrics handler.
func NewMetrics(reg prometheus.Registerer, pipelineName string) *Metrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"pipeline": pipelineName}
	return &Metrics{
		Submitted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mppipeline_items_submitted_total",
			Help:        "Total work items submitted to the pipeline.",
			ConstLabels: labels,
		}),
		Finalized: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mppipeline_items_finalized_total",
			Help:        "Total work items that reached a terminal state.",
			ConstLabels: labels,
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mppipeline_items_failed_total",
			Help:        "Total work items finalized with at least one failure.",
			ConstLabels: labels,
		}),
		Anomalies: factory.NewCounter(prometheus.CounterOpts{
			Name:        "mppipeline_anomalies_total",
			Help:        "Total controller-observed anomalies.",
			ConstLabels: labels,
		}),
		Latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "mppipeline_item_latency_seconds",
			Help:        "Time from submission to finalization for a work item.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "mppipeline_items_in_flight",
			Help:        "Work items currently tracked by the controller.",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) observeSubmit() {
	if m == nil {
		return
	}
	m.Submitted.Inc()
	m.InFlight.Inc()
}

func (m *Metrics) observeFinalize(start time.Time, failed bool) {
	if m == nil {
		return
	}
	m.Finalized.Inc()
	m.InFlight.Dec()
	m.Latency.Observe(time.Since(start).Seconds())
	if failed {
		m.Failed.Inc()
	}
}

func (m *Metrics) observeAnomaly() {
	if m == nil {
		return
	}
	m.Anomalies.Inc()
}
