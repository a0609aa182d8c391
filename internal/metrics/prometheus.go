package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CallsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicejobs_calls_processed_total",
			Help: "Calls that reached a pipeline outcome, by final status",
		},
		[]string{"status"},
	)

	ExtractionConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voicejobs_extraction_confidence",
			Help:    "Confidence score of stored extractions after the quality gate",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	ProcessingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicejobs_processing_errors_total",
			Help: "Classified processing errors opened",
		},
		[]string{"kind", "severity"},
	)

	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicejobs_retries_total",
			Help: "Retry attempts made, by error kind",
		},
		[]string{"kind"},
	)

	DedupMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicejobs_dedup_matches_total",
			Help: "Customer resolutions, by match channel",
		},
		[]string{"matched_by"},
	)

	FeedbackSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicejobs_feedback_total",
			Help: "Feedback events recorded, by type",
		},
		[]string{"type"},
	)

	GateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicejobs_gate_decisions_total",
			Help: "Auto-creation gate decisions",
		},
		[]string{"action"},
	)

	CompletionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voicejobs_completion_duration_seconds",
			Help:    "Completion service latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 25},
		},
		[]string{"outcome"},
	)
)

var initOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(CallsProcessed)
		prometheus.MustRegister(ExtractionConfidence)
		prometheus.MustRegister(ProcessingErrors)
		prometheus.MustRegister(Retries)
		prometheus.MustRegister(DedupMatches)
		prometheus.MustRegister(FeedbackSubmitted)
		prometheus.MustRegister(GateDecisions)
		prometheus.MustRegister(CompletionDuration)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}
