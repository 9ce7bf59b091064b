package datastore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shipsync_datastore_events_published_total",
	Help: "Events published on the data store bus",
}, []string{"kind"})

var eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shipsync_datastore_events_dropped_total",
	Help: "Events dropped because a subscriber stopped draining",
}, []string{"kind"})

var activeStores = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "shipsync_datastore_active",
	Help: "Whether a data store is currently active",
})
