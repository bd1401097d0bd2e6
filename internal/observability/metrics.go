package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ethstream",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"device", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ethstream",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"device", "method", "path", "status"},
	)
	streamPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ethstream",
			Subsystem: "stream",
			Name:      "packets_total",
			Help:      "Datagrams moved by a stream, by kind (data or sync).",
		},
		[]string{"stream", "direction", "kind"},
	)
	streamBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ethstream",
			Subsystem: "stream",
			Name:      "bytes_total",
			Help:      "Datagram payload bytes moved by a stream.",
		},
		[]string{"stream", "direction"},
	)
	streamFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ethstream",
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Whole frames written or reconstructed.",
		},
		[]string{"stream", "direction"},
	)
	streamLosses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ethstream",
			Subsystem: "stream",
			Name:      "sync_losses_total",
			Help:      "Loss events detected by the output reconstructor.",
		},
		[]string{"stream", "reason"},
	)
	streamTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ethstream",
			Subsystem: "stream",
			Name:      "timeouts_total",
			Help:      "Receive timeouts observed by output streams.",
		},
		[]string{"stream"},
	)
	limiterWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ethstream",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time input streams spent blocked in the rate limiter.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"stream", "strategy"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, streamPackets, streamBytes, streamFrames,
			streamLosses, streamTimeouts, limiterWait)
	})
}

func RecordHTTPRequest(device, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(device, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(device, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordPacket counts one datagram of n bytes. kind is "data" or "sync".
func RecordPacket(stream, direction, kind string, n int) {
	RegisterMetrics()
	streamPackets.WithLabelValues(stream, direction, kind).Inc()
	streamBytes.WithLabelValues(stream, direction).Add(float64(n))
}

func RecordFrames(stream, direction string, frames int) {
	RegisterMetrics()
	streamFrames.WithLabelValues(stream, direction).Add(float64(frames))
}

func RecordSyncLoss(stream, reason string) {
	RegisterMetrics()
	streamLosses.WithLabelValues(stream, reason).Inc()
}

func RecordTimeout(stream string) {
	RegisterMetrics()
	streamTimeouts.WithLabelValues(stream).Inc()
}

func RecordLimiterWait(stream, strategy string, d time.Duration) {
	RegisterMetrics()
	limiterWait.WithLabelValues(stream, strategy).Observe(d.Seconds())
}
