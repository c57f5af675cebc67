package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/eventcore/internal/model"
)

// Metrics holds Prometheus metrics for stream processors.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	processed         *prometheus.CounterVec   // By tenant, processor, stream and result
	duration          *prometheus.HistogramVec // By tenant, processor, stream
	position          *prometheus.GaugeVec     // By tenant, processor, stream
	failingPartitions *prometheus.GaugeVec     // By tenant, processor, stream
	suspensions       *prometheus.CounterVec   // By tenant, processor, stream and point
	persistFailures   *prometheus.CounterVec   // By tenant, processor, stream
	registered        *prometheus.GaugeVec     // By tenant
}

var processorLabels = []string{"tenant", "processor", "stream"}

// NewMetrics creates stream processor metrics and registers them with reg.
// A nil reg disables metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventcore",
			Subsystem: "stream_processor",
			Name:      "events_processed_total",
			Help:      "Total number of processing attempts by result",
		}, append(processorLabels, "result")), // result: succeeded, retryable, failed

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eventcore",
			Subsystem: "stream_processor",
			Name:      "processing_duration_seconds",
			Help:      "Event processing duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, processorLabels),

		position: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "eventcore",
			Subsystem: "stream_processor",
			Name:      "position",
			Help:      "Last persisted stream position",
		}, processorLabels),

		failingPartitions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "eventcore",
			Subsystem: "stream_processor",
			Name:      "failing_partitions",
			Help:      "Number of failing partitions, or 1 for a failing unpartitioned processor",
		}, processorLabels),

		suspensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventcore",
			Subsystem: "stream_processor",
			Name:      "suspensions_total",
			Help:      "Total number of loop suspensions by suspension point",
		}, append(processorLabels, "point")),

		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventcore",
			Subsystem: "stream_processor",
			Name:      "persist_failures_total",
			Help:      "Total number of state writes that failed and terminated a processor",
		}, processorLabels),

		registered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "eventcore",
			Subsystem: "registry",
			Name:      "stream_processors",
			Help:      "Number of registered stream processors",
		}, []string{"tenant"}),
	}

	for _, c := range []prometheus.Collector{
		m.processed, m.duration, m.position, m.failingPartitions,
		m.suspensions, m.persistFailures, m.registered,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func labelValues(tenant model.TenantID, id model.StreamProcessorID) []string {
	return []string{string(tenant), string(id.EventProcessor), string(id.SourceStream)}
}

// recordProcessing records one processing attempt.
func (m *Metrics) recordProcessing(tenant model.TenantID, id model.StreamProcessorID, result model.ProcessingResult, duration time.Duration) {
	if m == nil {
		return
	}
	labels := labelValues(tenant, id)
	m.processed.WithLabelValues(append(labels, model.ResultName(result))...).Inc()
	m.duration.WithLabelValues(labels...).Observe(duration.Seconds())
}

// recordState records a persisted state.
func (m *Metrics) recordState(tenant model.TenantID, id model.StreamProcessorID, state model.State) {
	if m == nil || state == nil {
		return
	}
	labels := labelValues(tenant, id)
	m.position.WithLabelValues(labels...).Set(float64(state.StreamPosition()))

	failing := 0
	switch st := state.(type) {
	case model.UnpartitionedState:
		if st.IsFailing {
			failing = 1
		}
	case model.PartitionedState:
		failing = len(st.FailingPartitions)
	}
	m.failingPartitions.WithLabelValues(labels...).Set(float64(failing))
}

// recordSuspension records the loop entering a suspension point.
func (m *Metrics) recordSuspension(tenant model.TenantID, id model.StreamProcessorID, point SuspensionPoint) {
	if m == nil {
		return
	}
	m.suspensions.WithLabelValues(append(labelValues(tenant, id), point.String())...).Inc()
}

// recordPersistFailure records a failed state write.
func (m *Metrics) recordPersistFailure(tenant model.TenantID, id model.StreamProcessorID) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(labelValues(tenant, id)...).Inc()
}

// setRegistered records the registry size for a tenant.
func (m *Metrics) setRegistered(tenant model.TenantID, n int) {
	if m == nil {
		return
	}
	m.registered.WithLabelValues(string(tenant)).Set(float64(n))
}
