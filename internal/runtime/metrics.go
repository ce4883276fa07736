package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TaskMetrics tracks publish and consumption counters per stream and consumer.
type TaskMetrics struct {
	mu sync.RWMutex

	consumerCounts map[string]*ConsumerCounts

	publishedTotal     *prometheus.CounterVec
	publishErrorsTotal *prometheus.CounterVec
	deliveredTotal     *prometheus.CounterVec
	ackedTotal         *prometheus.CounterVec
	failedTotal        *prometheus.CounterVec
	malformedTotal     *prometheus.CounterVec
	redeliveredTotal   *prometheus.CounterVec
	pendingCurrent     *prometheus.GaugeVec
	processingSeconds  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// ConsumerCounts holds the in-process counters for one durable consumer.
type ConsumerCounts struct {
	Delivered     uint64    `json:"delivered"`
	Acked         uint64    `json:"acked"`
	Failed        uint64    `json:"failed"`
	Malformed     uint64    `json:"malformed"`
	Redelivered   uint64    `json:"redelivered"`
	LastPending   uint64    `json:"last_pending"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// TaskMetricsSnapshot provides a point-in-time view of the counters.
type TaskMetricsSnapshot struct {
	Consumers   map[string]ConsumerCounts `json:"consumers"`
	CollectedAt time.Time                 `json:"collected_at"`
}

func newTaskCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobflow",
			Subsystem: "tasks",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewTaskMetrics creates the collectors. Nothing is exported until Register is called.
func NewTaskMetrics(registerer prometheus.Registerer) *TaskMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	consumerLabels := []string{"stream", "consumer"}
	return &TaskMetrics{
		consumerCounts:     make(map[string]*ConsumerCounts),
		registerer:         registerer,
		publishedTotal:     newTaskCounterVec("published_total", "Tasks accepted by the broker", []string{"stream"}),
		publishErrorsTotal: newTaskCounterVec("publish_errors_total", "Tasks the broker did not accept", []string{"prefix"}),
		deliveredTotal:     newTaskCounterVec("delivered_total", "Deliveries received by consumption loops", consumerLabels),
		ackedTotal:         newTaskCounterVec("acked_total", "Tasks acknowledged after successful processing", consumerLabels),
		failedTotal:        newTaskCounterVec("failed_total", "Tasks whose handler failed and were left for redelivery", consumerLabels),
		malformedTotal:     newTaskCounterVec("malformed_total", "Deliveries dropped because the envelope could not be decoded", consumerLabels),
		redeliveredTotal:   newTaskCounterVec("redelivered_total", "Deliveries that were not the first attempt", consumerLabels),
		pendingCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jobflow",
			Subsystem: "tasks",
			Name:      "pending",
			Help:      "Messages the broker still holds for the consumer, as of the last delivery",
		}, consumerLabels),
		processingSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobflow",
			Subsystem: "tasks",
			Name:      "processing_seconds",
			Help:      "Handler execution time",
			Buckets:   prometheus.DefBuckets,
		}, consumerLabels),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *TaskMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.publishErrorsTotal,
		m.deliveredTotal,
		m.ackedTotal,
		m.failedTotal,
		m.malformedTotal,
		m.redeliveredTotal,
		m.pendingCurrent,
		m.processingSeconds,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordPublished counts a task the broker stored in stream.
func (m *TaskMetrics) RecordPublished(stream string) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(stream).Inc()
}

// RecordPublishError counts a publish the broker rejected or never saw.
func (m *TaskMetrics) RecordPublishError(prefix string) {
	if m == nil {
		return
	}
	m.publishErrorsTotal.WithLabelValues(prefix).Inc()
}

// RecordDelivered counts a delivery and tracks the broker-reported backlog.
func (m *TaskMetrics) RecordDelivered(stream, consumer string, numDelivered, pending uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	counts := m.countsLocked(stream, consumer)
	counts.Delivered++
	if numDelivered > 1 {
		counts.Redelivered++
	}
	counts.LastPending = pending
	counts.LastUpdatedAt = time.Now()
	m.mu.Unlock()

	m.deliveredTotal.WithLabelValues(stream, consumer).Inc()
	if numDelivered > 1 {
		m.redeliveredTotal.WithLabelValues(stream, consumer).Inc()
	}
	m.pendingCurrent.WithLabelValues(stream, consumer).Set(float64(pending))
}

// RecordAcked counts a successful task.
func (m *TaskMetrics) RecordAcked(stream, consumer string, took time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	counts := m.countsLocked(stream, consumer)
	counts.Acked++
	counts.LastUpdatedAt = time.Now()
	m.mu.Unlock()

	m.ackedTotal.WithLabelValues(stream, consumer).Inc()
	m.processingSeconds.WithLabelValues(stream, consumer).Observe(took.Seconds())
}

// RecordFailed counts a task left unacknowledged for redelivery.
func (m *TaskMetrics) RecordFailed(stream, consumer string, took time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	counts := m.countsLocked(stream, consumer)
	counts.Failed++
	counts.LastUpdatedAt = time.Now()
	m.mu.Unlock()

	m.failedTotal.WithLabelValues(stream, consumer).Inc()
	m.processingSeconds.WithLabelValues(stream, consumer).Observe(took.Seconds())
}

// RecordMalformed counts a delivery that could not be decoded.
func (m *TaskMetrics) RecordMalformed(stream, consumer string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	counts := m.countsLocked(stream, consumer)
	counts.Malformed++
	counts.LastUpdatedAt = time.Now()
	m.mu.Unlock()

	m.malformedTotal.WithLabelValues(stream, consumer).Inc()
}

// Snapshot returns a copy of the in-process counters keyed by "stream/consumer".
func (m *TaskMetrics) Snapshot() TaskMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := TaskMetricsSnapshot{
		Consumers:   make(map[string]ConsumerCounts, len(m.consumerCounts)),
		CollectedAt: time.Now(),
	}
	for key, counts := range m.consumerCounts {
		snapshot.Consumers[key] = *counts
	}
	return snapshot
}

func (m *TaskMetrics) countsLocked(stream, consumer string) *ConsumerCounts {
	key := stream + "/" + consumer
	if counts, ok := m.consumerCounts[key]; ok {
		return counts
	}
	counts := &ConsumerCounts{}
	m.consumerCounts[key] = counts
	return counts
}

// Reset clears all counters (useful for testing).
func (m *TaskMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consumerCounts = make(map[string]*ConsumerCounts)
	m.publishedTotal.Reset()
	m.publishErrorsTotal.Reset()
	m.deliveredTotal.Reset()
	m.ackedTotal.Reset()
	m.failedTotal.Reset()
	m.malformedTotal.Reset()
	m.redeliveredTotal.Reset()
	m.pendingCurrent.Reset()
	m.processingSeconds.Reset()
}
