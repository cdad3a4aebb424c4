package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_paste_deleted_total",
		Help: "no. of pastes deleted by their owner",
	})
	PastesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_pastes_purged_total",
		Help: "no. of expired pastes removed by lazy purge",
	})
	TitleCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_title_collisions_total",
		Help: "no. of title candidates rejected because they were taken",
	})
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snipbin_cache_hits_total",
			Help: "no. of cache hits",
		},
		[]string{"tier"},
	)
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_cache_misses_total",
		Help: "no. of cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snipbin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snipbin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"scope"},
	)
	LimiterKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snipbin_limiter_tracked_keys",
			Help: "no. of keys held by a limiter after the last sweep",
		},
		[]string{"limiter"},
	)
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snipbin_sweep_cycles_total",
		Help: "no. of limiter sweep cycles",
	})
	AccountOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snipbin_account_operations_total",
			Help: "no. of account operations by outcome",
		},
		[]string{"operation", "outcome"},
	)
	DBCircuitOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snipbin_db_circuit_open",
		Help: "1 while the database circuit breaker is open",
	})
)
