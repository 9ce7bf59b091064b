package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entriesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipsync_store_entries_applied_total",
		Help: "Total number of sync entries applied, by kind and action",
	}, []string{"kind", "action"})
	lastVersion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shipsync_store_last_version",
		Help: "Highest committed sync log version, by kind",
	}, []string{"kind"})
	writeTxDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shipsync_store_write_tx_duration_seconds",
		Help:    "Duration of write transactions",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	purgesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shipsync_store_purges_total",
		Help: "Total number of full local purges",
	})
)
