package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WaitingClients         = promauto.NewGauge(prometheus.GaugeOpts{Name: "remotecam_waiting_clients", Help: "Connections registered and waiting for a capture result"})
	PreviewSubscribers     = promauto.NewGauge(prometheus.GaugeOpts{Name: "remotecam_preview_subscribers", Help: "Live preview websocket subscribers"})
	CoordinatorState       = promauto.NewGauge(prometheus.GaugeOpts{Name: "remotecam_coordinator_state", Help: "Capture state (0=idle 1=focusing 2=capturing 3=delivering)"})
	ConnectionsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "remotecam_connections_total", Help: "Accepted connections by command"}, []string{"command"})
	CapturesTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "remotecam_captures_total", Help: "Capture cycles by result"}, []string{"result"})
	CapturesRejectedTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "remotecam_captures_rejected_total", Help: "Capture triggers rejected because a capture was in flight"})
	DeliveriesTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "remotecam_deliveries_total", Help: "Per-connection deliveries by result"}, []string{"result"})
	BytesSentTotal         = promauto.NewCounter(prometheus.CounterOpts{Name: "remotecam_bytes_sent_total", Help: "Image bytes written to clients"})
	PreviewFramesTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "remotecam_preview_frames_total", Help: "Preview frames encoded"})
	PausedDroppedTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "remotecam_paused_dropped_total", Help: "Connections closed because the server was paused"})
	RateLimitedTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "remotecam_rate_limited_total", Help: "Connections closed by the per-host limiter"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "remotecam_errors_total", Help: "Errors by type"}, []string{"type"})
	CaptureDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "remotecam_capture_duration_seconds", Help: "Trigger to delivery completion", Buckets: prometheus.ExponentialBuckets(0.01, 2, 14)})
	PreviewEncodeSeconds   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "remotecam_preview_encode_seconds", Help: "Preview frame NV21 to JPEG encode time", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12)})
)
