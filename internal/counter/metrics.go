package counter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "counter",
		Name:      "operations_total",
		Help:      "Counter operations by counter type, operation and outcome.",
	}, []string{"type", "op", "outcome"})

	casRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "counter",
		Name:      "cas_retries_total",
		Help:      "Compare-and-swap attempts lost to concurrent writers.",
	}, []string{"type", "op"})

	listenerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "counter",
		Name:      "listener_panics_total",
		Help:      "Listener invocations that panicked.",
	})
)

func observe(typ Type, op string, retries int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	operationsTotal.WithLabelValues(typ.String(), op, outcome).Inc()
	if retries > 0 {
		casRetriesTotal.WithLabelValues(typ.String(), op).Add(float64(retries))
	}
}
