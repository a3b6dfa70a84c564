package outbox

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "fitsync"

var (
	// event_type is activity.created or activity.updated.
	deliveredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "outbox",
		Name:      "activity_events_delivered_total",
		Help:      "Activity events published to Kafka, by event type.",
	}, []string{"event_type"})

	failedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "outbox",
		Name:      "activity_events_failed_total",
		Help:      "Activity events that could not be published, by event type.",
	}, []string{"event_type"})

	dlqCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "outbox",
		Name:      "activity_events_dlq_total",
		Help:      "Activity events parked in the dead-letter table, by destination topic.",
	}, []string{"topic"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Wall time of one claim, publish and mark cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	claimedBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "outbox",
		Name:      "claimed_batch_size",
		Help:      "Number of activity events claimed per non-empty poll.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
	})
)

func init() {
	prometheus.MustRegister(deliveredCounter, failedCounter, dlqCounter, batchDuration, claimedBatchSize)
}

// countByEventType increments vec once per message under its event type.
func countByEventType(vec *prometheus.CounterVec, messages []Message) {
	counts := make(map[string]int, 2)
	for _, msg := range messages {
		eventType := msg.EventType
		if eventType == "" {
			eventType = "unknown"
		}
		counts[eventType]++
	}
	for eventType, n := range counts {
		vec.WithLabelValues(eventType).Add(float64(n))
	}
}
