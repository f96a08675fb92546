// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/meta"
)

// transitions is the project status machine. Every status write goes
// through a compare-and-swap in the metadata store; this table is consulted
// first so an illegal edge fails loudly here instead of surfacing as a
// store conflict.
var transitions = map[meta.ProjectStatus][]meta.ProjectStatus{
	meta.ProjectPending: {
		meta.ProjectDownloading,
		meta.ProjectProcessing,
		meta.ProjectCancelled,
		meta.ProjectFailed,
	},
	meta.ProjectDownloading: {
		meta.ProjectProcessing,
		meta.ProjectCancelled,
		meta.ProjectFailed,
	},
	meta.ProjectProcessing: {
		meta.ProjectCompleted,
		meta.ProjectCancelled,
		meta.ProjectFailed,
	},
	// Retry re-enters the pipeline; DOWNLOADING when raw/ is gone.
	meta.ProjectFailed: {
		meta.ProjectDownloading,
		meta.ProjectProcessing,
	},
	meta.ProjectCancelled: {
		meta.ProjectDownloading,
		meta.ProjectProcessing,
	},
	meta.ProjectCompleted: {},
}

// CanTransition reports whether from → to is a legal project status edge.
func CanTransition(from, to meta.ProjectStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates the edge against the table, then performs the store
// CAS. A lost race surfaces as Conflict from the store; an illegal edge
// never reaches it.
func Transition(ctx context.Context, store *meta.Store, id string, from, to meta.ProjectStatus, fields *meta.StatusFields) error {
	if !CanTransition(from, to) {
		return apperr.Newf(apperr.Conflict, "illegal status transition %s -> %s", from, to)
	}
	return store.UpdateProjectStatus(ctx, id, from, to, fields)
}
