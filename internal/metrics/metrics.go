// Package metrics owns the Prometheus registry served on the admin listener
// and the collectors the request pipeline feeds.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ROki1988/learn-app-runner/internal/version"
)

// ServerMetrics holds the collectors fed by the public pipeline. Everything
// is registered on a private registry, never the global default.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// request pipeline, see Middleware
	inflight    prometheus.Gauge
	reqTotal    *prometheus.CounterVec
	reqDur      *prometheus.HistogramVec
	respBytes   *prometheus.HistogramVec
	errorsTotal *prometheus.CounterVec

	panics     prometheus.Counter
	timeouts   *prometheus.CounterVec
	chunks     prometheus.Counter
	chunkBytes prometheus.Histogram
	limited    prometheus.Counter
	limitFull  prometheus.Counter
	profiling  prometheus.Gauge
	build      *prometheus.GaugeVec
}

var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	sizeBuckets    = prometheus.ExponentialBuckets(64, 4, 8) // 64B .. 1MiB
)

// New returns a fresh registry with the Go and process collectors and the
// HTTP metrics. Labels are limited to method, route pattern and status.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	byRoute := []string{"method", "route"}

	return &ServerMetrics{
		reg:     reg,
		handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),

		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Requests currently being served.",
		}),
		reqTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Requests served, by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		reqDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Time to serve a request, by method and route pattern.",
			Buckets: latencyBuckets,
		}, byRoute),
		respBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Bytes written to the client, after compression.",
			Buckets: sizeBuckets,
		}, byRoute),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Requests answered with a 5xx status.",
		}, byRoute),

		panics: f.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Handler panics turned into 500 responses.",
		}),
		timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_timeouts_total",
			Help: "Requests answered with 408 because the processing budget expired.",
		}, []string{"method"}),
		chunks: f.NewCounter(prometheus.CounterOpts{
			Name: "http_response_body_chunks_total",
			Help: "Body chunks written to client connections.",
		}),
		chunkBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "http_response_body_chunk_size_bytes",
			Help:    "Size of body chunks written to client connections.",
			Buckets: prometheus.ExponentialBuckets(16, 4, 8),
		}),
		limited: f.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Requests answered with 429 by the per-address limiter.",
		}),
		limitFull: f.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Times the limiter refused a new address because its table was full.",
		}),
		profiling: f.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "1 while continuous profiling is pushing, otherwise 0.",
		}),
		build: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata; the value is always 1.",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
	}
}

// Handler serves the registry in the Prometheus or OpenMetrics text format.
func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) IncHttpPanic() { m.panics.Inc() }

func (m *ServerMetrics) IncTimeout(method string) { m.timeouts.WithLabelValues(method).Inc() }

func (m *ServerMetrics) ObserveBodyChunk(n int) {
	m.chunks.Inc()
	m.chunkBytes.Observe(float64(n))
}

func (m *ServerMetrics) IncRateLimitDenied() { m.limited.Inc() }

func (m *ServerMetrics) IncRateLimitCapacity() { m.limitFull.Inc() }

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profiling.Set(v)
}

// SetBuildInfoFromVersion publishes vi under build_info. Called once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.build.WithLabelValues(app, component, vi.Version, vi.Commit, vi.CommitDate,
		vi.BuildId, vi.BuildDate, dirty, vi.GoVersion).Set(1)
}
