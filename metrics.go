package filtervm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects filter execution metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	runsTotal         *prometheus.CounterVec
	runDuration       prometheus.Histogram
	terminationsTotal prometheus.Counter
}

// NewMetrics registers the filter metrics on reg. Pass nil to use the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "filtervm",
				Name:      "runs_total",
				Help:      "Filter runs by outcome disposition.",
			},
			[]string{"disposition"},
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "filtervm",
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of filter runs.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		terminationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "filtervm",
				Name:      "terminations_total",
				Help:      "Forced terminations, including watchdog timeouts.",
			},
		),
	}
}

func (m *Metrics) observeRun(diag Diagnostic, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(diag.Disposition.String()).Inc()
	m.runDuration.Observe(elapsed.Seconds())
	if diag.Code == CodeTerminatedByHost {
		m.terminationsTotal.Inc()
	}
}

func (m *Metrics) observeTermination() {
	if m == nil {
		return
	}
	m.terminationsTotal.Inc()
}
