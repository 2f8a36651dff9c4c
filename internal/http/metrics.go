package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "regainflow"

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// register returns the collector already registered under the same descriptor, so
// routers built in tests share one set of series.
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}))

		// Streaming routes are excluded; their duration is the connection lifetime.
		r.requestLatency = register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of non-streaming HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route"}))

		r.rateLimitHits = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"}))

		r.streamClients = register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "log_stream_clients",
			Help:      "Connected live log consumers by transport",
		}, []string{"transport"}))

		r.metricsInitialized = true
	})
}

func (r *Router) metricsHandler() http.Handler {
	return promhttp.Handler()
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	r.requestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	if route == "logs_ws" || route == "logs_stream" {
		return
	}
	r.requestLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.WithLabelValues(route, key).Inc()
}

// trackStream counts a live consumer until the returned func is called.
func (r *Router) trackStream(transport string) func() {
	if !r.metricsInitialized {
		return func() {}
	}
	gauge := r.streamClients.WithLabelValues(transport)
	gauge.Inc()
	return gauge.Dec
}
