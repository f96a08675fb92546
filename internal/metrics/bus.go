// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_bus_published_total",
		Help: "Total messages published to the bus by topic class",
	}, []string{"topic"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_bus_dropped_total",
		Help: "Total bus message drops by topic class and reason",
	}, []string{"topic", "reason"})
)

// IncBusPublished records a published bus message for the given topic class.
func IncBusPublished(topic string) {
	if topic == "" {
		topic = "unknown"
	}
	BusPublishedTotal.WithLabelValues(topic).Inc()
}

// IncBusDrop records a dropped bus message with a concrete reason.
func IncBusDrop(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}
