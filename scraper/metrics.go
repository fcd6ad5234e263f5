package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Task outcomes used as the outcome label.
const (
	OutcomePrice  = "price"
	OutcomeAbsent = "absent"
	OutcomeError  = "error"
)

// Metrics bundles Prometheus collectors for the scraper.
type Metrics struct {
	Registry          *prometheus.Registry
	TasksTotal        *prometheus.CounterVec
	FetchDuration     *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
	BrowserLaunches   prometheus.Counter
	CacheLookupsTotal *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	tasks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookprices_scrape_tasks_total",
			Help: "Scrape tasks finished, by site and outcome.",
		},
		[]string{"site", "outcome"},
	)
	fetchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bookprices_fetch_duration_seconds",
			Help:    "Page fetch latency by fetch strategy.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookprices_scrape_errors_total",
			Help: "Total number of scrape errors by type.",
		},
		[]string{"error_type"},
	)
	launches := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bookprices_browser_launches_total",
			Help: "Headless browser sessions started.",
		},
	)
	cacheLookups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookprices_document_cache_lookups_total",
			Help: "Document cache lookups by result.",
		},
		[]string{"result"},
	)

	registry.MustRegister(tasks, fetchDuration, errorsTotal, launches, cacheLookups)

	return &Metrics{
		Registry:          registry,
		TasksTotal:        tasks,
		FetchDuration:     fetchDuration,
		ErrorsTotal:       errorsTotal,
		BrowserLaunches:   launches,
		CacheLookupsTotal: cacheLookups,
	}
}

// IncTask counts a finished task.
func (m *Metrics) IncTask(site, outcome string) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveFetch records a fetch duration for a strategy.
func (m *Metrics) ObserveFetch(strategy string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncBrowserLaunch counts a browser session.
func (m *Metrics) IncBrowserLaunch() {
	if m == nil {
		return
	}
	m.BrowserLaunches.Inc()
}

// IncCacheLookup counts a cache hit or miss.
func (m *Metrics) IncCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}
