// Package observability holds the Prometheus collectors shared across fitsync components.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fitsync"

// Submit outcomes.
const (
	SubmitSucceeded = "succeeded"
	SubmitRetryable = "retryable"
	SubmitRejected  = "rejected"
	SubmitDuplicate = "duplicate"
)

var (
	passCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "passes_total",
		Help:      "Sync passes by outcome (ok, partial, aborted).",
	}, []string{"outcome"})

	passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of a sync pass from enumeration to merge.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	submitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "record_submits_total",
		Help:      "Per-record submit attempts by result.",
	}, []string{"result"})

	mergeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "merge_operations_total",
		Help:      "Local store mutations applied by the reconciler.",
	}, []string{"op"})

	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "pending_records",
		Help:      "Pending records left after the most recent pass.",
	})

	lastSuccessGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the most recent pass without failures.",
	})

	triggerCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "trigger",
		Name:      "events_total",
		Help:      "Sync triggers by source and what the dispatcher did with them.",
	}, []string{"source", "action"})

	remoteLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "request_duration_seconds",
		Help:      "Latency of calls to the activity service.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "status"})

	activitiesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "service",
		Name:      "activities_created_total",
		Help:      "Create requests handled by the activity service, split into new and replayed.",
	}, []string{"result"})

	activityPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "service",
		Name:      "last_activity_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity persisted by the service.",
	})
)

func init() {
	prometheus.MustRegister(
		passCounter, passDuration, submitCounter, mergeCounter, pendingGauge, lastSuccessGauge,
		triggerCounter, remoteLatency, activitiesCreated, activityPersistGauge,
	)
}

// RecordPass records the outcome and duration of one sync pass.
func RecordPass(outcome string, elapsed time.Duration, pending int) {
	passCounter.WithLabelValues(outcome).Inc()
	passDuration.Observe(elapsed.Seconds())
	if pending >= 0 {
		pendingGauge.Set(float64(pending))
	}
	if outcome == "ok" {
		lastSuccessGauge.SetToCurrentTime()
	}
}

// RecordSubmit counts a single submit outcome.
func RecordSubmit(result string) {
	submitCounter.WithLabelValues(result).Inc()
}

// RecordMerge counts reconciler mutations.
func RecordMerge(inserted, updated, deleted int) {
	mergeCounter.WithLabelValues("inserted").Add(float64(inserted))
	mergeCounter.WithLabelValues("updated").Add(float64(updated))
	mergeCounter.WithLabelValues("deleted").Add(float64(deleted))
}

// RecordTrigger counts a trigger and the dispatcher's decision (started, coalesced, joined,
// skipped_backoff, skipped_conditions).
func RecordTrigger(source, action string) {
	triggerCounter.WithLabelValues(source, action).Inc()
}

// ObserveRemote records the latency of a remote call.
func ObserveRemote(operation, status string, elapsed time.Duration) {
	remoteLatency.WithLabelValues(operation, status).Observe(elapsed.Seconds())
}

// RecordActivityCreated counts a create request on the service side.
func RecordActivityCreated(replay bool) {
	result := "created"
	if replay {
		result = "replayed"
	}
	activitiesCreated.WithLabelValues(result).Inc()
}

// RecordActivityPersisted updates the persistence watermark gauge.
func RecordActivityPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityPersistGauge.Set(float64(ts.Unix()))
}
