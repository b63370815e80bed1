// Package metrics registers the Prometheus collectors of both binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth is the number of writes waiting for remote replay.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attendsync_queue_depth",
		Help: "Writes waiting in the retry queue.",
	})

	// Replays counts queue replays by result (ok, failed).
	Replays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendsync_replays_total",
		Help: "Retry queue replays by result.",
	}, []string{"result"})

	// RemoteRequests counts remote API calls by operation and result.
	RemoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendsync_remote_requests_total",
		Help: "Remote API calls by operation and result.",
	}, []string{"op", "result"})

	// ValidationRejections counts failed pre-attendance checks by check name.
	ValidationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendsync_validation_rejections_total",
		Help: "Pre-attendance checks that rejected an operation.",
	}, []string{"check"})

	// RateLimited counts requests rejected by the API rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendsync_rate_limited_total",
		Help: "Requests rejected by the rate limiter.",
	})
)

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
