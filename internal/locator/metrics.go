package locator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts search outcomes. The zero value is not usable; build one
// with NewMetrics.
type Metrics struct {
	searches  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	transient prometheus.Counter
}

// NewMetrics creates the locator collectors and registers them on reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		searches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "appdriver_searches_total",
				Help: "Window searches by outcome.",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "appdriver_search_duration_seconds",
				Help:    "Time from search start to outcome.",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"outcome"},
		),
		transient: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "appdriver_transient_faults_total",
				Help: "Transient provider faults ignored while scanning.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.searches, m.duration, m.transient)
	}
	return m
}

func (m *Metrics) observe(o Outcome, elapsed time.Duration) {
	label := o.Kind.String()
	m.searches.WithLabelValues(label).Inc()
	m.duration.WithLabelValues(label).Observe(elapsed.Seconds())
}
