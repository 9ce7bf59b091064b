package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipsync_syncer_frames_received_total",
		Help: "Total number of frames received from the sync server, by type",
	}, []string{"msg"})
	connectionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shipsync_syncer_connection_retries_total",
		Help: "Total number of failed dial attempts",
	})
	connectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shipsync_syncer_connection_state",
		Help: "Current connection state (0=disconnected 1=connecting 2=syncing 3=live 4=reconnecting)",
	})
	syncProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shipsync_syncer_progress",
		Help: "Fraction of the initial sync applied",
	})
)
