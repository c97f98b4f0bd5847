package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsOpen tracks currently registered socket connections.
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_open",
		Help: "Currently registered socket connections",
	})

	// FramesTotal counts inbound frames by type discriminator.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_frames_total",
		Help: "Inbound frames processed, by frame type",
	}, []string{"type"})

	// BroadcastDrops counts frames dropped because a connection's outbound queue was full.
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_broadcast_drops_total",
		Help: "Outbound frames dropped due to full per-connection queues",
	})

	// AuthFailures counts rejected credential resolutions.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_auth_failures_total",
		Help: "Credential resolutions that were rejected",
	})

	// ChatGroupsActive tracks chat groups with at least one subscriber.
	ChatGroupsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_chat_groups_active",
		Help: "Chat groups with at least one subscriber",
	})

	// VideoRoomsActive tracks video rooms currently held in memory.
	VideoRoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_video_rooms_active",
		Help: "Video rooms currently held in memory",
	})

	// CodeSessionsActive tracks live code collaboration sessions, draining included.
	CodeSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_code_sessions_active",
		Help: "Code collaboration sessions held in memory",
	})

	// LivenessEvictions counts connections reclaimed by the liveness monitor.
	LivenessEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_liveness_evictions_total",
		Help: "Connections force-unregistered after a missed liveness probe",
	})
)
