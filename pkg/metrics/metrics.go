package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection states reported by FeedConnectionState.
const (
	StateStopped      = 0
	StateDisconnected = 1
	StateConnecting   = 2
	StateStreaming    = 3
)

var (
	ActiveSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quantflow_active_sessions",
		Help: "Current number of subscriber sessions per instrument.",
	}, []string{"instrument"})

	UpdatesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantflow_updates_delivered_total",
		Help: "Total number of order book updates written to subscriber streams.",
	})

	UpdatesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantflow_updates_dropped_total",
		Help: "Queued updates discarded because a subscriber queue was full.",
	}, []string{"instrument"})

	FeedConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quantflow_feed_connection_state",
		Help: "Upstream connection state per symbol (0 stopped, 1 disconnected, 2 connecting, 3 streaming).",
	}, []string{"symbol"})

	FeedReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantflow_feed_reconnects_total",
		Help: "Upstream connection failures followed by a backoff wait.",
	}, []string{"symbol"})

	FeedFramesDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantflow_feed_frames_discarded_total",
		Help: "Upstream frames that did not produce a snapshot.",
	}, []string{"symbol", "reason"})

	ListenerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quantflow_listener_errors_total",
		Help: "Feed listener callbacks that returned an error or panicked.",
	}, []string{"symbol"})

	MirrorDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quantflow_mirror_dropped_total",
		Help: "Snapshots not mirrored because the publish buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions,
		UpdatesDelivered,
		UpdatesDropped,
		FeedConnectionState,
		FeedReconnects,
		FeedFramesDiscarded,
		ListenerErrors,
		MirrorDropped,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
