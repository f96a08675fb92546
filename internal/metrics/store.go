// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dbQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clipforge_store_query_duration_seconds",
		Help:    "Metadata store query duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	JanitorSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipforge_janitor_sweeps_total",
		Help: "Completed janitor sweeps",
	})

	JanitorOrphansRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipforge_janitor_orphans_recovered_total",
		Help: "Stuck RUNNING tasks failed as orphaned",
	})

	ContentBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipforge_content_bytes_written_total",
		Help: "Bytes committed to the content store",
	})
)

// ObserveQuery records one metadata store operation.
func ObserveQuery(op string, d time.Duration) {
	dbQueryDuration.WithLabelValues(op).Observe(d.Seconds())
}
