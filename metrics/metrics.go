package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector satisfies ratelimit.Observer, gateway.Recorder and guard.Recorder.
type Collector struct {
	decisions       *prometheus.CounterVec
	swept           prometheus.Counter
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	guardDecisions  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_ratelimit_decisions_total",
				Help: "Rate limiter admission decisions",
			},
			[]string{"preset", "outcome"},
		),
		swept: factory.NewCounter(prometheus.CounterOpts{
			Name: "authgate_ratelimit_swept_entries_total",
			Help: "Expired rate limit entries removed by the sweeper",
		}),
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_gateway_requests_total",
				Help: "Requests delegated to the authentication provider",
			},
			[]string{"method", "status", "callback"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authgate_gateway_request_duration_seconds",
				Help:    "Latency of delegated authentication requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		guardDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_guard_decisions_total",
				Help: "Role/session guard terminal decisions",
			},
			[]string{"state", "reason"},
		),
	}
}

func (c *Collector) ObserveDecision(preset string, allowed bool) {
	outcome := "rejected"
	if allowed {
		outcome = "allowed"
	}
	c.decisions.WithLabelValues(preset, outcome).Inc()
}

func (c *Collector) ObserveSweep(removed int) {
	c.swept.Add(float64(removed))
}

func (c *Collector) ObserveRequest(method string, status int, callback bool, d time.Duration) {
	c.requests.WithLabelValues(method, statusClass(status), strconv.FormatBool(callback)).Inc()
	c.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (c *Collector) ObserveGuard(state, reason string) {
	if reason == "" {
		reason = "none"
	}
	c.guardDecisions.WithLabelValues(state, reason).Inc()
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
