package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entriesQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipsync_outbox_entries_queued_total",
		Help: "Total number of mutations queued, by kind",
	}, []string{"kind"})
	replaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipsync_outbox_replays_total",
		Help: "Total number of replay attempts, by kind",
	}, []string{"kind"})
	replaysResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipsync_outbox_replays_resolved_total",
		Help: "Total number of entries acknowledged by the server, by entity kind",
	}, []string{"kind"})
	replaysFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipsync_outbox_replays_failed_total",
		Help: "Total number of entries permanently rejected, by kind",
	}, []string{"kind"})
)
