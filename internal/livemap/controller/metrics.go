package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livemap_events_total",
		Help: "Map controller events applied by type",
	}, []string{"event"})
	rosterResubscribeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livemap_roster_resubscribe_total",
		Help: "Friend location subscriptions replaced after a roster change",
	})
	locateResultTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livemap_locate_results_total",
		Help: "LocateUser outcomes by result",
	}, []string{"result"})
	sharePublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livemap_share_publish_total",
		Help: "Own-position publishes by result",
	}, []string{"result"})
)
