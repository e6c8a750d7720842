package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "cog"

var (
	SetupDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "setup_duration_seconds",
			Help:      "Time spent in model setup (seconds), labeled by final status.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"status"},
	)

	PredictionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_started_total",
			Help:      "Total number of predictions admitted.",
		},
	)

	PredictionsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_completed_total",
			Help:      "Total number of predictions completed, labeled by final status.",
		},
		[]string{"status"},
	)

	PredictTimeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "predict_time_seconds",
			Help:      "Prediction latency from admission to completion (seconds).",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	AdmissionRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Total number of setup or predict calls rejected, labeled by reason.",
		},
		[]string{"reason"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total number of webhook deliveries, labeled by event and outcome.",
		},
		[]string{"event", "outcome"},
	)

	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_uploads_total",
			Help:      "Total number of output files converted, labeled by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		SetupDurationSeconds,
		PredictionsStartedTotal,
		PredictionsCompletedTotal,
		PredictTimeSeconds,
		AdmissionRejectedTotal,
		WebhookDeliveriesTotal,
		UploadsTotal,
	)
}
