// Package metrics exposes the service's Prometheus collectors. Collectors
// are package-level and registered with the default registry; the exporter
// is mounted at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheOps counts shared-cache operations by outcome: hit, miss, or
	// fallback when the cache is degraded and the in-process mirror served.
	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollcall",
		Subsystem: "cache",
		Name:      "ops_total",
		Help:      "Shared cache operations by outcome.",
	}, []string{"op", "outcome"})

	// DeviceLookups counts device-binding cache lookups by source.
	DeviceLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollcall",
		Subsystem: "devices",
		Name:      "lookups_total",
		Help:      "Device binding lookups by source (cache, section, identity).",
	}, []string{"source"})

	// Scans counts scan attempts by result code.
	Scans = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollcall",
		Subsystem: "sessions",
		Name:      "scans_total",
		Help:      "QR scan attempts by result.",
	}, []string{"result"})

	// Joins counts join attempts.
	Joins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollcall",
		Subsystem: "sessions",
		Name:      "joins_total",
		Help:      "Join attempts by result.",
	}, []string{"result"})

	// ActiveSessions tracks live sessions owned by this worker's registry.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rollcall",
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Sessions currently mirrored by this worker.",
	})

	// ConnectedClients tracks open realtime connections on this worker.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rollcall",
		Subsystem: "realtime",
		Name:      "connected_clients",
		Help:      "Open realtime connections on this worker.",
	})

	// EventsPublished counts realtime events published to rooms.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rollcall",
		Subsystem: "realtime",
		Name:      "events_published_total",
		Help:      "Realtime events published, by event name.",
	}, []string{"event"})

	// TokenRotations counts rotator ticks that installed a fresh token.
	TokenRotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rollcall",
		Subsystem: "tokens",
		Name:      "rotations_total",
		Help:      "Successful token rotations.",
	})
)
