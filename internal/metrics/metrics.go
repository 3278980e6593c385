package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TurnsTotal counts streamed turns.
	// Labels: model, outcome (completed, errored, aborted, finalization_failed)
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "olmo",
		Subsystem: "threads",
		Name:      "turns_total",
		Help:      "Total streamed turns by outcome",
	}, []string{"model", "outcome"})

	// TimeToFirstToken is measured from the end of the safety check.
	TimeToFirstToken = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "olmo",
		Subsystem: "threads",
		Name:      "time_to_first_token_seconds",
		Help:      "Time from generation start to the first content chunk",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"model"})

	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "olmo",
		Subsystem: "threads",
		Name:      "turn_duration_seconds",
		Help:      "Time from generation start to stream completion",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"model", "finish_reason"})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "olmo",
		Subsystem: "threads",
		Name:      "tool_calls_total",
		Help:      "Tool invocations by tool and result",
	}, []string{"tool", "result"})

	// SafetyRejections counts turns refused before generation.
	// Labels: code (inappropriate_prompt_text, inappropriate_prompt_file, invalid_captcha, ...)
	SafetyRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "olmo",
		Subsystem: "safety",
		Name:      "rejections_total",
		Help:      "Requests rejected by safety or captcha checks",
	}, []string{"code"})

	SafetyCheckErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "olmo",
		Subsystem: "safety",
		Name:      "check_errors_total",
		Help:      "Safety checker failures treated as unknown",
	}, []string{"checker"})

	// VideoChecks counts async video outcomes: safe, unsafe, retry, dropped.
	VideoChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "olmo",
		Subsystem: "safety",
		Name:      "video_checks_total",
		Help:      "Asynchronous video safety check outcomes",
	}, []string{"result"})

	FinalizationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "olmo",
		Subsystem: "threads",
		Name:      "finalization_failures_total",
		Help:      "Turns whose messages could not be finalized",
	})

	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "olmo",
		Subsystem: "worker",
		Name:      "queued_jobs",
		Help:      "Turn jobs waiting for a worker",
	})

	CleanupDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "olmo",
		Subsystem: "cleanup",
		Name:      "messages_total",
		Help:      "Messages removed or reconciled by the cleaner",
	}, []string{"kind"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
