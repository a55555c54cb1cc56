package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts retrieval outcomes in Prometheus.
type Metrics struct {
	Retrievals *prometheus.CounterVec
	Fallbacks  *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Retrievals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "recall",
				Name:      "retrievals_total",
				Help:      "Total number of retrievals by strategy",
			},
			[]string{"strategy"},
		),
		Fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "recall",
				Name:      "retrieval_fallbacks_total",
				Help:      "Total number of retrievals that fell back to plain relevance search",
			},
			[]string{"strategy", "reason"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "recall",
				Name:      "retrieval_duration_seconds",
				Help:      "Duration of retrievals in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.Retrievals, m.Fallbacks, m.Duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) recordRetrieval(strategy Strategy, seconds float64) {
	if m == nil {
		return
	}
	m.Retrievals.WithLabelValues(strategy.String()).Inc()
	m.Duration.WithLabelValues(strategy.String()).Observe(seconds)
}

func (m *Metrics) recordFallback(strategy Strategy, reason string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(strategy.String(), reason).Inc()
}
