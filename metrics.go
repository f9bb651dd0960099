package sqlsession

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	lockResults   *prometheus.CounterVec
	lockWait      prometheus.Histogram
	backendErrors *prometheus.CounterVec
	gcRemoved     prometheus.Counter
}

// newMetrics builds the store collectors and registers them on reg when it is not nil.
// Stores sharing a registerer share the already registered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		lockResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlsession",
			Name:      "lock_results_total",
			Help:      "Session lock attempts by outcome.",
		}, []string{"result"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sqlsession",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for session locks.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlsession",
			Name:      "backend_errors_total",
			Help:      "Backend failures by operation.",
		}, []string{"op"}),
		gcRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sqlsession",
			Name:      "gc_removed_total",
			Help:      "Expired session rows removed by GC.",
		}),
	}
	if reg == nil {
		return m
	}

	m.lockResults = register(reg, m.lockResults)
	m.lockWait = register(reg, m.lockWait)
	m.backendErrors = register(reg, m.backendErrors)
	m.gcRemoved = register(reg, m.gcRemoved)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
