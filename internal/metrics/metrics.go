package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tuning metrics
	TuningSearches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nngpu_tuning_searches_total",
		Help: "Total number of full tuning searches run, by operation",
	}, []string{"operation"})

	TuningLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nngpu_tuning_lookups_total",
		Help: "Tuning cache lookups by tier (memory, store, defaults) and result (hit, miss)",
	}, []string{"tier", "result"})

	TuningCandidatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nngpu_tuning_candidates_rejected_total",
		Help: "Tuning candidates rejected, by reason (limits, verify)",
	}, []string{"reason"})

	TuningSearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nngpu_tuning_search_duration_ms",
		Help:    "Duration of a full tuning search in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1ms to ~65s
	})

	// Program cache metrics
	ProgramCompiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nngpu_program_compiles_total",
		Help: "Total number of compute programs compiled",
	})

	ProgramCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nngpu_program_cache_hits_total",
		Help: "Total number of program cache hits",
	})

	// Execution metrics
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nngpu_dispatch_duration_ms",
		Help:    "Duration of a single operation dispatch in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"operation"})

	ExecuteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nngpu_execute_duration_ms",
		Help:    "Duration of a whole model execution in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
	})

	ExecuteResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nngpu_execute_results_total",
		Help: "Model executions by status (ok, error)",
	}, []string{"status"})

	// Memory metrics
	IntermediateBuffers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nngpu_intermediate_buffers",
		Help: "Intermediate buffers by state (in_use, free)",
	}, []string{"state"})

	IntermediateReuse = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nngpu_intermediate_reuse_total",
		Help: "Intermediate buffer requests served from the free list (hit) or by allocation (miss)",
	}, []string{"result"})

	DeviceMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nngpu_device_memory_bytes",
		Help: "Device memory currently allocated in bytes",
	})
)
