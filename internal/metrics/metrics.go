// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	admissionRejectionsTotal   *prometheus.CounterVec
	faultsTotal                *prometheus.CounterVec
	scrapesTotal               *prometheus.CounterVec
	scrapeBytesTotal           *prometheus.CounterVec
	crawlJobsTotal             *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	fetchRateLimitDelays       *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
			},
			[]string{"method", "route"},
		)

		admissionRejectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admission_rejections_total",
				Help: "Requests terminated by a pipeline stage, labeled by stage and kind.",
			},
			[]string{"stage", "kind"},
		)

		faultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_faults_total",
				Help: "Unhandled faults reported by the pipeline, labeled by route.",
			},
			[]string{"route"},
		)

		scrapesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_scrapes_total",
				Help: "Page scrapes, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		scrapeBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_scrape_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_crawl_jobs_total",
				Help: "Crawl jobs reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_active_workers",
				Help: "Number of workers currently processing a crawl job.",
			},
		)

		fetchRateLimitDelays = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_fetch_rate_limit_delay_seconds",
				Help:    "Histogram of per-host fetch rate limit waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRejection counts a request terminated by stage.
func ObserveRejection(stage, kind string) {
	Init()
	admissionRejectionsTotal.WithLabelValues(stage, kind).Inc()
}

// ObserveFault counts an unhandled fault on route.
func ObserveFault(route string) {
	Init()
	faultsTotal.WithLabelValues(route).Inc()
}

// ObserveScrape records one page scrape.
func ObserveScrape(rawURL, outcome string, bytesFetched int) {
	Init()
	site := SanitizeSite(rawURL)
	scrapesTotal.WithLabelValues(site, outcome).Inc()
	if bytesFetched > 0 {
		scrapeBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveCrawlJob increments the crawl job counter for the given status.
func ObserveCrawlJob(status string) {
	Init()
	crawlJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a per-host fetch wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	Init()
	fetchRateLimitDelays.WithLabelValues(site).Observe(duration.Seconds())
}
