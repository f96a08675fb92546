// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clipforge_worker_queue_depth",
		Help: "Messages waiting per priority queue (last poll)",
	}, []string{"queue"})

	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_worker_tasks_total",
		Help: "Tasks finished by kind and outcome",
	}, []string{"kind", "outcome"})

	DedupeHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipforge_worker_dedupe_hits_total",
		Help: "Duplicate task deliveries short-circuited",
	})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipforge_worker_inflight",
		Help: "Runs currently executing",
	})

	DeadLetterTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipforge_worker_dead_letter_total",
		Help: "Messages moved to the dead-letter queue",
	})
)

// IncTask records a finished task.
func IncTask(kind, outcome string) {
	TasksTotal.WithLabelValues(kind, outcome).Inc()
}
