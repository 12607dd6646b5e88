package readlock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "readlock",
		Name:      "operations_total",
		Help:      "Read-lock operations against the shared store by operation and result.",
	}, []string{"op", "result"})

	lockRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "readlock",
		Name:      "cas_retries_total",
		Help:      "Compare-and-swap attempts lost to concurrent lockers.",
	}, []string{"op"})

	realDeletions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "readlock",
		Name:      "deletions_total",
		Help:      "Objects physically deleted after their last read lock was released.",
	})

	localMerges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridsync",
		Subsystem: "readlock",
		Name:      "local_merges_total",
		Help:      "Local lock operations served without a remote call.",
	}, []string{"op"})
)
