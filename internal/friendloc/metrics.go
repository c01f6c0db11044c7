package friendloc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "friendloc_publish_total",
		Help: "Position writes grouped by operation and result.",
	}, []string{"op", "result"})

	resubscribeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "friendloc_resubscribe_total",
		Help: "Observer resubscriptions after a lost or failed subscription.",
	})

	reloadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "friendloc_reload_failures_total",
		Help: "Snapshot reloads that failed and kept the last known positions.",
	})

	snapshotsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "friendloc_snapshots_emitted_total",
		Help: "Friend position snapshots delivered to observers.",
	})

	slowSubscriberDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "friendloc_slow_subscriber_drops_total",
		Help: "Subscriptions closed because their buffer was full.",
	})

	observersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "friendloc_observers",
		Help: "Number of running friend location observers.",
	})
)
