package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// RabbitMQConnected is 1 when the subscriber considers itself connected.
	RabbitMQConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "diabetic_diary",
		Subsystem: "recognizer",
		Name:      "rabbitmq_connected",
		Help:      "Whether the recognizer RabbitMQ subscriber is currently connected (best-effort).",
	})

	// RabbitMQLastConnectSeconds is a unix timestamp (seconds) of last successful connect.
	RabbitMQLastConnectSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "diabetic_diary",
		Subsystem: "recognizer",
		Name:      "rabbitmq_last_connect_timestamp_seconds",
		Help:      "Unix timestamp (seconds) of the last successful RabbitMQ connect (best-effort).",
	})

	// RabbitMQLastDeliverySeconds is a unix timestamp (seconds) of last observed delivery.
	RabbitMQLastDeliverySeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "diabetic_diary",
		Subsystem: "recognizer",
		Name:      "rabbitmq_last_delivery_timestamp_seconds",
		Help:      "Unix timestamp (seconds) of the last RabbitMQ delivery observed by the subscriber (best-effort).",
	})

	// WorkerInFlight is the current number of deliveries being processed by workers.
	WorkerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "diabetic_diary",
		Subsystem: "recognizer",
		Name:      "rabbitmq_worker_in_flight",
		Help:      "Current number of RabbitMQ deliveries being processed by worker goroutines.",
	})

	// ProcessedTotal counts processed deliveries by outcome.
	ProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diabetic_diary",
		Subsystem: "recognizer",
		Name:      "rabbitmq_processed_total",
		Help:      "Total number of RabbitMQ deliveries processed by the recognizer subscriber, labeled by result.",
	}, []string{"result"})

	// ProcessingDurationSeconds is end-to-end time per delivery, measured inside the worker.
	ProcessingDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "diabetic_diary",
		Subsystem: "recognizer",
		Name:      "rabbitmq_processing_duration_seconds",
		Help:      "End-to-end time to process a RabbitMQ delivery (callback + ack/nack).",
		// Keep buckets fairly coarse to avoid high-cardinality time series.
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 60, 120, 300},
	}, []string{"result"})

	AckErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "diabetic_diary",
		Subsystem: "recognizer",
		Name:      "rabbitmq_ack_error_total",
		Help:      "Total number of RabbitMQ ack errors.",
	})

	NackErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "diabetic_diary",
		Subsystem: "recognizer",
		Name:      "rabbitmq_nack_error_total",
		Help:      "Total number of RabbitMQ nack errors.",
	})

	RetryPublishErrorTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "diabetic_diary",
		Subsystem: "recognizer",
		Name:      "rabbitmq_retry_publish_error_total",
		Help:      "Total number of retry-exchange publish errors.",
	})

	// ProviderCallsTotal counts provider invocations by provider, model and outcome.
	ProviderCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diabetic_diary",
		Subsystem: "recognizer",
		Name:      "provider_calls_total",
		Help:      "Total number of AI provider invocations, labeled by provider, model and result.",
	}, []string{"provider", "model", "result"})

	// ProviderCallDurationSeconds measures provider invocation latency.
	ProviderCallDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "diabetic_diary",
		Subsystem: "recognizer",
		Name:      "provider_call_duration_seconds",
		Help:      "Wall-clock time of a single AI provider invocation.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"provider", "model"})
)

// Register registers recognizer metrics with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			RabbitMQConnected,
			RabbitMQLastConnectSeconds,
			RabbitMQLastDeliverySeconds,
			WorkerInFlight,
			ProcessedTotal,
			ProcessingDurationSeconds,
			AckErrorTotal,
			NackErrorTotal,
			RetryPublishErrorTotal,
			ProviderCallsTotal,
			ProviderCallDurationSeconds,
		)
	})
}
