package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gleaner_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	httpRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gleaner_http_requests_in_flight",
		Help: "Current number of HTTP requests being served",
	})

	httpResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gleaner_http_response_size_bytes",
		Help:    "HTTP response sizes in bytes",
		Buckets: prometheus.ExponentialBuckets(100, 10, 8),
	}, []string{"method", "path", "status"})
)

// IncHTTPInFlight marks one request entering the handler chain.
func IncHTTPInFlight() { httpRequestsInFlight.Inc() }

// DecHTTPInFlight marks one request leaving the handler chain.
func DecHTTPInFlight() { httpRequestsInFlight.Dec() }

// ObserveHTTPRequest records one finished request. path should be the route
// pattern, not the raw URL, to keep label cardinality bounded.
func ObserveHTTPRequest(method, path, status string, seconds float64, respBytes int) {
	httpRequestDuration.WithLabelValues(method, path, status).Observe(seconds)
	if respBytes > 0 {
		httpResponseSize.WithLabelValues(method, path, status).Observe(float64(respBytes))
	}
}
