package specstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// writesTotal counts spec store writes by kind.
	// Labels: kind (create, replace, patch, patch_failed, rollback)
	writesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "specstore",
			Name:      "writes_total",
			Help:      "Total number of spec store write operations",
		},
		[]string{"kind"},
	)

	// conflictsTotal counts optimistic concurrency failures.
	conflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "forged",
			Subsystem: "specstore",
			Name:      "conflicts_total",
			Help:      "Total number of stale-version write rejections",
		},
	)
)
