package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the dispatcher's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	admittedTotal   prometheus.Counter
	rejectedTotal   *prometheus.CounterVec
	storeErrorTotal prometheus.Counter
	waitSeconds     prometheus.Histogram
	attempts        prometheus.Histogram
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		admittedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quotagate",
			Name:      "admitted_total",
			Help:      "Calls admitted by the dispatcher.",
		}),
		rejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotagate",
			Name:      "rejected_total",
			Help:      "Calls that gave up without being admitted, by reason.",
		}, []string{"reason"}),
		storeErrorTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quotagate",
			Name:      "store_errors_total",
			Help:      "Admission checks that failed because the store was unavailable.",
		}),
		waitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quotagate",
			Name:      "wait_seconds",
			Help:      "Time spent waiting before admission.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 60},
		}),
		attempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quotagate",
			Name:      "attempts",
			Help:      "Admission attempts per admitted call.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

func (m *Metrics) admitted(waited time.Duration, attempts int) {
	if m == nil {
		return
	}

	m.admittedTotal.Inc()
	m.waitSeconds.Observe(waited.Seconds())
	m.attempts.Observe(float64(attempts))
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}

	m.rejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) storeError() {
	if m == nil {
		return
	}

	m.storeErrorTotal.Inc()
}
