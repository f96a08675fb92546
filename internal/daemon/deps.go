// SPDX-License-Identifier: MIT

package daemon

import (
	"github.com/clipforge/clipforge/internal/api"
	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/gateway"
	"github.com/clipforge/clipforge/internal/localkv"
	"github.com/clipforge/clipforge/internal/meta"
	"github.com/clipforge/clipforge/internal/telemetry"
	"github.com/clipforge/clipforge/internal/worker"
)

// Broker is the transport the daemon owns end to end: topics for progress
// fan-out, lists for the task queues, and Close for shutdown. Both the Redis
// and the in-memory implementations satisfy it.
type Broker interface {
	broker.Bus
	broker.Queue
	Close() error
}

// Deps are the subsystems the manager supervises and tears down. Build
// assembles them from configuration; tests may construct them directly.
type Deps struct {
	Holder  *config.Holder
	Meta    *meta.Store
	KV      *localkv.Store
	Bus     Broker
	Pool    *worker.Pool
	Janitor *meta.Janitor
	Hub     *gateway.Hub
	API     *api.Server

	// Telemetry is optional; nil means tracing was never brought up.
	Telemetry *telemetry.Provider
}

// Validate reports the first missing dependency by name.
func (d Deps) Validate() error {
	switch {
	case d.Holder == nil:
		return apperr.New(apperr.Internal, "daemon deps: Holder is nil")
	case d.Meta == nil:
		return apperr.New(apperr.Internal, "daemon deps: Meta is nil")
	case d.KV == nil:
		return apperr.New(apperr.Internal, "daemon deps: KV is nil")
	case d.Bus == nil:
		return apperr.New(apperr.Internal, "daemon deps: Bus is nil")
	case d.Pool == nil:
		return apperr.New(apperr.Internal, "daemon deps: Pool is nil")
	case d.Janitor == nil:
		return apperr.New(apperr.Internal, "daemon deps: Janitor is nil")
	case d.Hub == nil:
		return apperr.New(apperr.Internal, "daemon deps: Hub is nil")
	case d.API == nil:
		return apperr.New(apperr.Internal, "daemon deps: API is nil")
	}
	return nil
}
