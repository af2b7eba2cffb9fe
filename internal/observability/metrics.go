package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	CommandsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_commands_issued_total",
			Help: "Commands accepted into the ledger",
		},
		[]string{"kind"},
	)

	CommandTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_command_transitions_total",
			Help: "Applied command state transitions by target state",
		},
		[]string{"state"},
	)

	CommandFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_command_failures_total",
			Help: "Commands that ended in Failed, by reason",
		},
		[]string{"reason"},
	)

	InvalidTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_invalid_transitions_total",
			Help: "Out-of-order command state updates that were dropped",
		},
	)

	FeedRecomputations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_feed_recomputations_total",
			Help: "Full activity feed aggregations",
		},
	)

	StaleDeltas = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_stale_deltas_total",
			Help: "Event source deltas for records that no longer exist",
		},
		[]string{"stream"},
	)

	SkewedHeartbeats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_skewed_heartbeats_total",
			Help: "Heartbeats refused for being ahead of the console clock",
		},
	)

	Devices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_devices",
			Help: "Known devices by presence status at the last evaluation",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequests)
	prometheus.MustRegister(HTTPDuration)
	prometheus.MustRegister(CommandsIssued)
	prometheus.MustRegister(CommandTransitions)
	prometheus.MustRegister(CommandFailures)
	prometheus.MustRegister(InvalidTransitions)
	prometheus.MustRegister(FeedRecomputations)
	prometheus.MustRegister(StaleDeltas)
	prometheus.MustRegister(SkewedHeartbeats)
	prometheus.MustRegister(Devices)
}

// GinMetrics records request counts and latency per matched route.
func GinMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
