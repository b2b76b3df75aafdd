package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	cycles     *prometheus.CounterVec
	items      *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
	duration   prometheus.Histogram
}

// newMetrics registers the engine metrics on reg. A nil reg yields working,
// unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfsync_sync_cycles_total",
			Help: "Drain cycles by result.",
		}, []string{"result"}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfsync_sync_items_total",
			Help: "Queue items processed by outcome.",
		}, []string{"outcome"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shelfsync_queue_depth",
			Help: "Queue items by status after the last cycle.",
		}, []string{"status"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "shelfsync_sync_cycle_duration_seconds",
			Help:    "Wall time of drain cycles that ran.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
