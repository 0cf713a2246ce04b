package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels operations that completed.
	OutcomeSuccess = "success"
	// OutcomeError labels operations that failed.
	OutcomeError = "error"

	// RejectStale labels samples below the retention floor.
	RejectStale = "stale"
	// RejectDuplicate labels samples dropped by (key, timestamp) dedup.
	RejectDuplicate = "duplicate"
	// RejectInvalid labels samples that failed decoding or validation.
	RejectInvalid = "invalid"
)

var (
	samplesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gchealth",
			Name:      "samples_ingested_total",
			Help:      "Samples accepted into the series store, partitioned by source.",
		},
		[]string{"source"},
	)

	samplesRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gchealth",
			Name:      "samples_rejected_total",
			Help:      "Samples refused at ingest, partitioned by reason.",
		},
		[]string{"reason"},
	)

	samplesEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gchealth",
			Name:      "samples_evicted_total",
			Help:      "Samples dropped by retention eviction.",
		},
	)

	storeSeries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gchealth",
			Name:      "store_series",
			Help:      "Distinct series currently held by the store.",
		},
	)

	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gchealth",
			Name:      "alarm_evaluations_total",
			Help:      "Alarm evaluations performed, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	evaluationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gchealth",
			Name:      "alarm_evaluation_seconds",
			Help:      "Alarm evaluation latency in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gchealth",
			Name:      "alarm_transitions_total",
			Help:      "Alarm state transitions, partitioned by target state.",
		},
		[]string{"to"},
	)

	rcaEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gchealth",
			Name:      "rca_events_total",
			Help:      "Correlation events emitted, partitioned by rule.",
		},
		[]string{"rule"},
	)

	episodesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gchealth",
			Name:      "episodes_active",
			Help:      "Correlation episodes currently open.",
		},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gchealth",
			Name:      "notifications_total",
			Help:      "Notification deliveries attempted, partitioned by sink and outcome.",
		},
		[]string{"sink", "outcome"},
	)

	dispatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gchealth",
			Name:      "dispatch_queue_depth",
			Help:      "Notifications waiting in the dispatch queue.",
		},
	)

	dispatchDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gchealth",
			Name:      "dispatch_dropped_total",
			Help:      "Notifications dropped because the dispatch queue was full.",
		},
	)

	dedupSuppressedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gchealth",
			Name:      "dedup_suppressed_total",
			Help:      "Notifications collapsed by the suppression window.",
		},
	)

	configReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gchealth",
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches gchealth collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		samplesIngestedTotal,
		samplesRejectedTotal,
		samplesEvictedTotal,
		storeSeries,
		evaluationsTotal,
		evaluationSeconds,
		transitionsTotal,
		rcaEventsTotal,
		episodesActive,
		notificationsTotal,
		dispatchQueueDepth,
		dispatchDroppedTotal,
		dedupSuppressedTotal,
		configReloadsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// AddSamplesIngested records accepted samples for one ingest source.
func AddSamplesIngested(source string, n int) {
	if n <= 0 {
		return
	}
	samplesIngestedTotal.WithLabelValues(source).Add(float64(n))
}

// IncSampleRejected records one refused sample.
func IncSampleRejected(reason string) {
	samplesRejectedTotal.WithLabelValues(reason).Inc()
}

// AddSamplesEvicted records samples removed by retention.
func AddSamplesEvicted(n int) {
	if n <= 0 {
		return
	}
	samplesEvictedTotal.Add(float64(n))
}

// SetStoreSeries publishes the current series count.
func SetStoreSeries(n int) {
	storeSeries.Set(float64(n))
}

// ObserveEvaluation records an alarm evaluation duration and outcome label.
func ObserveEvaluation(duration time.Duration, outcome string) {
	label := outcome
	if label == "" {
		label = OutcomeSuccess
	}
	evaluationsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	evaluationSeconds.Observe(duration.Seconds())
}

// IncTransition records one alarm state change.
func IncTransition(to string) {
	transitionsTotal.WithLabelValues(to).Inc()
}

// IncRCAEvent records one emitted correlation event.
func IncRCAEvent(ruleID string) {
	rcaEventsTotal.WithLabelValues(ruleID).Inc()
}

// SetActiveEpisodes publishes the number of open episodes.
func SetActiveEpisodes(n int) {
	episodesActive.Set(float64(n))
}

// IncNotification records one delivery attempt against a sink.
func IncNotification(sink, outcome string) {
	notificationsTotal.WithLabelValues(sink, outcome).Inc()
}

// SetDispatchQueueDepth publishes the dispatch backlog size.
func SetDispatchQueueDepth(n int) {
	dispatchQueueDepth.Set(float64(n))
}

// IncDispatchDropped records a notification lost to queue overflow.
func IncDispatchDropped() {
	dispatchDroppedTotal.Inc()
}

// IncDedupSuppressed records a notification collapsed by dedup.
func IncDedupSuppressed() {
	dedupSuppressedTotal.Inc()
}

// IncConfigReload records a reload attempt outcome.
func IncConfigReload(outcome string) {
	configReloadsTotal.WithLabelValues(outcome).Inc()
}
