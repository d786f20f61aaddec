package tornago

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector is a Metrics implementation backed by
// github.com/prometheus/client_golang counters and a histogram, for
// applications that already scrape a Prometheus endpoint rather than
// polling MetricsCollector's atomic counters directly. Grounded on the
// embedding apps (apimgr-vidveil, apimgr-weather, casjay-forks-caspaste),
// which all expose their own service metrics this way.
type PrometheusMetricsCollector struct {
	requests prometheus.Counter
	successes prometheus.Counter
	errors    prometheus.Counter
	errorsByKind *prometheus.CounterVec
	latency   prometheus.Histogram

	mu           sync.RWMutex
	totalLatency time.Duration
	count        uint64
}

// NewPrometheusMetricsCollector registers its metrics with reg (pass
// prometheus.DefaultRegisterer to use the default registry) under the
// "tornago" namespace.
func NewPrometheusMetricsCollector(reg prometheus.Registerer) *PrometheusMetricsCollector {
	c := &PrometheusMetricsCollector{
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tornago",
			Name:      "requests_total",
			Help:      "Total number of Tor client requests made.",
		}),
		successes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tornago",
			Name:      "requests_success_total",
			Help:      "Total number of successful Tor client requests.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tornago",
			Name:      "requests_error_total",
			Help:      "Total number of failed Tor client requests.",
		}),
		errorsByKind: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tornago",
			Name:      "requests_error_by_kind_total",
			Help:      "Total number of failed requests, labeled by ErrorKind.",
		}, []string{"kind"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tornago",
			Name:      "request_latency_seconds",
			Help:      "Tor client request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(c.requests, c.successes, c.errors, c.errorsByKind, c.latency)
	}
	return c
}

// RecordRequest records the outcome and latency of a single request,
// mirroring MetricsCollector.recordRequest's call contract.
func (c *PrometheusMetricsCollector) RecordRequest(success bool, latency time.Duration, errKind ErrorKind) {
	c.requests.Inc()
	if success {
		c.successes.Inc()
	} else {
		c.errors.Inc()
		if errKind != "" {
			c.errorsByKind.WithLabelValues(string(errKind)).Inc()
		}
	}
	c.latency.Observe(latency.Seconds())

	c.mu.Lock()
	c.totalLatency += latency
	c.count++
	c.mu.Unlock()
}

// RequestCount returns the total number of requests made.
func (c *PrometheusMetricsCollector) RequestCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// SuccessCount is not separately tracked outside the Prometheus counter
// itself; client_golang counters aren't readable synchronously without a
// registry scrape, so this returns 0. Use the registered
// tornago_requests_success_total metric for the authoritative value.
func (c *PrometheusMetricsCollector) SuccessCount() uint64 { return 0 }

// ErrorCount is not separately tracked outside the Prometheus counter
// itself; see SuccessCount's doc comment for why this returns 0.
func (c *PrometheusMetricsCollector) ErrorCount() uint64 { return 0 }

// TotalLatency returns the cumulative latency across recorded requests.
func (c *PrometheusMetricsCollector) TotalLatency() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalLatency
}

// AverageLatency returns TotalLatency divided by RequestCount.
func (c *PrometheusMetricsCollector) AverageLatency() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.count == 0 {
		return 0
	}
	return c.totalLatency / time.Duration(c.count)
}

// Reset clears the locally tracked latency accumulator. The underlying
// Prometheus counters are cumulative by design and are not reset, since
// resetting a running counter misleads anything scraping it.
func (c *PrometheusMetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalLatency = 0
	c.count = 0
}
