package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DirectionRaise labels threshold adjustments that tighten alerting.
	DirectionRaise = "raise"
	// DirectionLower labels threshold adjustments that relax alerting.
	DirectionLower = "lower"
)

var (
	// SamplesNormalized counts raw readings accepted into the pipeline.
	SamplesNormalized = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pdm_engine",
		Name:      "samples_normalized_total",
		Help:      "Raw readings successfully normalized into canonical samples.",
	})

	// SamplesQuarantined counts rejected readings by reason code.
	SamplesQuarantined = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdm_engine",
		Name:      "samples_quarantined_total",
		Help:      "Readings rejected during normalization, partitioned by reason code.",
	}, []string{"code"})

	// SamplesReplayed counts duplicate sequence numbers acknowledged as no-ops.
	SamplesReplayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pdm_engine",
		Name:      "samples_replayed_total",
		Help:      "Samples skipped because their sequence was already applied.",
	})

	// QueueShed counts telemetry rejected under backpressure.
	QueueShed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pdm_engine",
		Name:      "queue_shed_total",
		Help:      "Samples shed because a vehicle shard queue was full.",
	})

	// AlertsFired counts alerts created, partitioned by pattern reference.
	AlertsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdm_engine",
		Name:      "alerts_fired_total",
		Help:      "Alerts created, partitioned by pattern version.",
	}, []string{"pattern"})

	// AlertsSuppressed counts alerts withheld and why.
	AlertsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdm_engine",
		Name:      "alerts_suppressed_total",
		Help:      "Alert candidates suppressed, partitioned by cause (unwarmed, below_threshold, duplicate).",
	}, []string{"cause"})

	// TransitionsRejected counts invalid state machine transitions.
	TransitionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pdm_engine",
		Name:      "alert_transitions_rejected_total",
		Help:      "Alert lifecycle transitions rejected as invalid.",
	})

	// ThresholdAdjustments counts feedback-driven threshold moves by direction.
	ThresholdAdjustments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pdm_engine",
		Name:      "threshold_adjustments_total",
		Help:      "Threshold profile adjustments, partitioned by direction.",
	}, []string{"direction"})

	matchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pdm_engine",
		Name:      "match_seconds",
		Help:      "Pattern matching latency per sample in seconds.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})
)

// Register attaches pdm-engine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		SamplesNormalized,
		SamplesQuarantined,
		SamplesReplayed,
		QueueShed,
		AlertsFired,
		AlertsSuppressed,
		TransitionsRejected,
		ThresholdAdjustments,
		matchSeconds,
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

// ObserveMatch records one matcher pass duration.
func ObserveMatch(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	matchSeconds.Observe(duration.Seconds())
}
