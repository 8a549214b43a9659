package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: сколько записей принято от capture-хука
	RecordsEnqueued prometheus.Counter

	// Потери: evicted (переполнение при requeue), closed (после остановки)
	RecordsDropped *prometheus.CounterVec

	// Попытки сброса по триггеру и результату (success, failure, skipped)
	Flushes *prometheus.CounterVec

	// Saturation: текущая заполненность буфера
	BufferRecords prometheus.Gauge

	BatchSize prometheus.Histogram

	// Latency отправки в коллектор
	DeliveryDuration *prometheus.HistogramVec

	// Состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - если регистратор не передан, используем локальный
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RecordsEnqueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "apitrail_records_enqueued_total",
			Help: "Total number of captured records accepted into the buffer.",
		}),

		RecordsDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "apitrail_records_dropped_total",
			Help: "Total number of records discarded before delivery.",
		}, []string{"reason"}),

		Flushes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "apitrail_flushes_total",
			Help: "Flush attempts by trigger and outcome.",
		}, []string{"trigger", "result"}),

		BufferRecords: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "apitrail_buffer_records",
			Help: "Current number of records waiting in the buffer.",
		}),

		BatchSize: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "apitrail_batch_size",
			Help:    "Number of records per delivery attempt.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		DeliveryDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apitrail_delivery_duration_seconds",
			Help:    "Histogram of batch delivery latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"result"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "apitrail_circuit_breaker_state",
			Help: "Current state of the sink circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"sink"}),
	}
}
