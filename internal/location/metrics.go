package location

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquisitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "location_acquisition_total",
		Help: "Location acquisition attempts grouped by result.",
	}, []string{"result"})

	acquisitionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "location_acquisition_seconds",
		Help:    "Time spent waiting for a location fix.",
		Buckets: prometheus.DefBuckets,
	})

	lateCallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "location_late_callbacks_total",
		Help: "Platform callbacks that arrived after the acquisition resolved.",
	})

	ingestMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "location_ingest_messages_total",
		Help: "Streamed position updates grouped by outcome.",
	}, []string{"result"})
)
