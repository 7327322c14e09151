package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_sessions_started_total",
			Help: "Total number of research sessions submitted",
		},
		[]string{"admission"}, // immediate, queued, rejected, denied
	)

	SessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_sessions_completed_total",
			Help: "Total number of research sessions by terminal event",
		},
		[]string{"outcome"}, // done, cancelled, error
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_session_duration_seconds",
			Help:    "Research session duration from admission to terminal event",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_step_duration_seconds",
			Help:    "Workflow step duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	ReviewLoops = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_review_loops",
			Help:    "Review iterations performed per completed session",
			Buckets: []float64{1, 2, 3, 4, 5, 6},
		},
	)

	// Evidence metrics
	NotesRetained = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_notes_total",
			Help: "Notes retained after deduplication",
		},
	)

	NotesDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_notes_deduplicated_total",
			Help: "Notes dropped because their source URL was already present",
		},
	)

	// Admission metrics
	AdmissionRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_admission_running",
			Help: "Sessions currently holding an admission slot",
		},
	)

	AdmissionQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_admission_queued",
			Help: "Sessions waiting for an admission slot",
		},
	)

	AdmissionCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_admission_capacity",
			Help: "Configured number of admission slots",
		},
	)

	AdmissionWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_admission_wait_seconds",
			Help:    "Time spent queued before admission",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		},
	)

	// Search cache metrics
	SearchCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_search_cache_hits_total",
			Help: "Search cache hits",
		},
		[]string{"backend"},
	)

	SearchCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_search_cache_misses_total",
			Help: "Search cache misses",
		},
		[]string{"backend"},
	)

	// Collaborator metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_llm_requests_total",
			Help: "Completion requests by mode and status",
		},
		[]string{"mode", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_llm_request_duration_seconds",
			Help:    "Completion request latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_search_requests_total",
			Help: "Search backend requests by status",
		},
		[]string{"status"},
	)

	PersistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_persistence_failures_total",
			Help: "Completed sessions that could not be saved",
		},
	)

	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_policy_decisions_total",
			Help: "Request policy decisions",
		},
		[]string{"decision", "mode"},
	)

	PolicyEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating request policies",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
	)
)

// RecordSessionOutcome records a terminal event and the session's lifetime.
func RecordSessionOutcome(outcome string, durationSeconds float64, loops int) {
	SessionsCompleted.WithLabelValues(outcome).Inc()
	SessionDuration.Observe(durationSeconds)
	if outcome == "done" {
		ReviewLoops.Observe(float64(loops))
	}
}

// RecordNotes records the result of one deduplication pass.
func RecordNotes(incoming, retained int) {
	NotesRetained.Add(float64(retained))
	if dropped := incoming - retained; dropped > 0 {
		NotesDeduplicated.Add(float64(dropped))
	}
}

// RecordLLMRequest records a completion call.
func RecordLLMRequest(mode, status string, durationSeconds float64) {
	LLMRequests.WithLabelValues(mode, status).Inc()
	LLMLatency.WithLabelValues(mode).Observe(durationSeconds)
}
