package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// KeyStore metrics
	KeyStoreSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "enrolld_keystore_size",
			Help: "Total number of credential records currently held (including tombstoned)",
		},
	)

	PendingQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enrolld_pending_queue_depth",
			Help: "Number of entries currently queued for the durable writer, by queue",
		},
		[]string{"queue"},
	)

	// Durable writer metrics
	DurableFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrolld_durable_flush_duration_seconds",
			Help:    "Time taken to flush a detached batch of pending mutations to disk",
			Buckets: prometheus.DefBuckets,
		},
	)

	DurableFlushFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enrolld_durable_flush_failures_total",
			Help: "Total number of durable writer flushes that failed and were re-queued",
		},
	)

	// Dispatcher / enrollment metrics
	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrolld_dispatch_duration_seconds",
			Help:    "Time taken to parse, validate and apply one enrollment request",
			Buckets: prometheus.DefBuckets,
		},
	)

	EnrollmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrolld_enrollments_total",
			Help: "Total number of enrollment requests by result",
		},
		[]string{"result"},
	)

	// Integrity synchronizer metrics
	SyncRoundDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrolld_sync_round_duration_seconds",
			Help:    "Time taken for one integrity synchronizer exchange",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "enrolld_sync_interval_seconds",
			Help: "Current back-off interval between integrity synchronizer rounds",
		},
	)

	SyncBackoffTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enrolld_sync_backoff_total",
			Help: "Total number of times the integrity synchronizer's back-off interval was doubled",
		},
	)

	SyncEntitiesFixedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enrolld_sync_entities_fixed_total",
			Help: "Total number of entities corrected by the integrity synchronizer",
		},
	)
)

func init() {
	prometheus.MustRegister(KeyStoreSize)
	prometheus.MustRegister(PendingQueueDepth)
	prometheus.MustRegister(DurableFlushDuration)
	prometheus.MustRegister(DurableFlushFailuresTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(EnrollmentsTotal)
	prometheus.MustRegister(SyncRoundDuration)
	prometheus.MustRegister(SyncInterval)
	prometheus.MustRegister(SyncBackoffTotal)
	prometheus.MustRegister(SyncEntitiesFixedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
