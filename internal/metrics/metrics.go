// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal            *prometheus.CounterVec
	fetchedBytesTotal     prometheus.Counter
	fetchDurationSeconds  *prometheus.HistogramVec
	rateLimitDelaySeconds *prometheus.HistogramVec
	activeWorkers         prometheus.Gauge

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lopez_pages_total",
				Help: "Pages leaving the taken state, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchedBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "lopez_fetched_bytes_total",
				Help: "Decoded body bytes fetched.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lopez_fetch_duration_seconds",
				Help:    "Fetch latency per page, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lopez_rate_limit_delay_seconds",
				Help:    "Time spent waiting for a per-origin token.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"origin"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "lopez_active_workers",
				Help: "Workers currently processing a page.",
			},
		)
	})
}

// ObservePage counts one terminal page transition ("closed" or "error").
func ObservePage(outcome string) {
	Init()
	pagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records one fetch's size and latency.
func ObserveFetch(outcome string, bytes int, duration time.Duration) {
	Init()
	fetchedBytesTotal.Add(float64(bytes))
	fetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records time spent blocked on an origin's bucket.
func ObserveRateLimitDelay(origin string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(origin).Observe(delay.Seconds())
}

// WorkerStarted / WorkerStopped track the active worker gauge.
func WorkerStarted() {
	Init()
	activeWorkers.Inc()
}

func WorkerStopped() {
	Init()
	activeWorkers.Dec()
}

// Handler builds the ops router: Prometheus exposition plus a liveness
// endpoint.
func Handler() http.Handler {
	Init()
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
