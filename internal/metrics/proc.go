// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_proc_terminate_total",
		Help: "Subprocess termination signals by signal and result",
	}, []string{"signal", "result"})

	procWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_proc_wait_total",
		Help: "Subprocess wait outcomes",
	}, []string{"outcome"})

	toolRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_tool_runs_total",
		Help: "External tool invocations by tool and outcome",
	}, []string{"tool", "outcome"})
)

// IncProcTerminate records a termination signal delivery attempt.
func IncProcTerminate(signal, result string) {
	procTerminateTotal.WithLabelValues(signal, result).Inc()
}

// IncProcWait records how a supervised subprocess exited.
func IncProcWait(outcome string) {
	procWaitTotal.WithLabelValues(outcome).Inc()
}

// IncToolRun records an external tool invocation (yt-dlp, ffmpeg).
func IncToolRun(tool, outcome string) {
	toolRunsTotal.WithLabelValues(tool, outcome).Inc()
}
