package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecentersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tilestream_recenters_total",
		Help: "Viewpoint moves into a new request tile",
	})
	EnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tilestream_enqueued_total",
		Help: "Tile codes pushed onto pending queues",
	})
	DuplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tilestream_duplicates_total",
		Help: "Dequeued codes skipped because they were already claimed",
	})
	PlacedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tilestream_placed_total",
		Help: "Tiles fetched, decoded and placed",
	})
	FailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_failures_total",
		Help: "Abandoned tiles by stage",
	}, []string{"stage"})
	EvictedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tilestream_evicted_total",
		Help: "Claims dropped from the dedupe set by distance",
	})
	RetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tilestream_retries_total",
		Help: "Failed tiles released for another attempt",
	})
	FetchDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilestream_fetch_duration_ms",
		Help:    "Tile fetch duration in milliseconds",
		Buckets: []float64{5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000},
	})
	PendingGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilestream_pending",
		Help: "Codes waiting in a streamer's queue",
	}, []string{"streamer"})
	ClaimedGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilestream_claimed",
		Help: "Codes held in a streamer's dedupe set",
	}, []string{"streamer"})
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tilestream_cache_hits_total",
		Help: "Tile bodies served from Redis",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tilestream_cache_misses_total",
		Help: "Tile bodies not found in Redis",
	})
	SubscribersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tilestream_ws_subscribers",
		Help: "Connected placement subscribers",
	})
)

func init() {
	prometheus.MustRegister(
		RecentersTotal,
		EnqueuedTotal,
		DuplicatesTotal,
		PlacedTotal,
		FailuresTotal,
		EvictedTotal,
		RetriesTotal,
		FetchDurationMs,
		PendingGauge,
		ClaimedGauge,
		CacheHitsTotal,
		CacheMissesTotal,
		SubscribersGauge,
	)
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
