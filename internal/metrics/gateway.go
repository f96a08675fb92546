// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GatewayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipforge_gateway_connections",
		Help: "Open WebSocket connections",
	})

	GatewayFramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_gateway_frames_sent_total",
		Help: "Frames delivered to clients by type",
	}, []string{"type"})

	GatewayFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_gateway_frames_dropped_total",
		Help: "Frames dropped before delivery by reason",
	}, []string{"reason"}) // reason=stale_percent|queue_full|send_timeout

	GatewaySnapshotReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipforge_gateway_snapshot_replays_total",
		Help: "Snapshots replayed on subscribe or reconnect",
	})

	GatewaySubscriptionChurn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipforge_gateway_subscription_churn_total",
		Help: "Broker channel subscribe/unsubscribe operations",
	}, []string{"op"}) // op=subscribe|unsubscribe
)
