package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// publishedTotal counts events appended to run journals by type.
var publishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "forged",
		Subsystem: "eventbus",
		Name:      "published_total",
		Help:      "Total number of events published to run journals",
	},
	[]string{"type"},
)
