// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clipforge_pipeline_stage_duration_seconds",
		Help:    "Wall-clock duration of pipeline stages by outcome",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"stage", "outcome"}) // outcome=ok|failed|cancelled|timeout

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_pipeline_runs_total",
		Help: "Completed pipeline runs by outcome",
	}, []string{"outcome"})

	llmAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_llm_attempts_total",
		Help: "LLM call attempts by prompt and outcome",
	}, []string{"prompt", "outcome"}) // outcome=ok|transient|permanent

	artifactsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_pipeline_artifacts_written_total",
		Help: "Stage artifacts written atomically",
	}, []string{"stage"})
)

// ObserveStage records one stage execution.
func ObserveStage(stage, outcome string, d time.Duration) {
	stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// IncRun records a finished pipeline run.
func IncRun(outcome string) {
	runsTotal.WithLabelValues(outcome).Inc()
}

// IncLLMAttempt records one LLM call attempt.
func IncLLMAttempt(prompt, outcome string) {
	llmAttemptsTotal.WithLabelValues(prompt, outcome).Inc()
}

// IncArtifactWritten records an atomically committed stage artifact.
func IncArtifactWritten(stage string) {
	artifactsWritten.WithLabelValues(stage).Inc()
}
