// SPDX-License-Identifier: MIT

// Package cutter cuts and concatenates media through an external ffmpeg
// binary. Both operations copy streams instead of re-encoding, so a cut is
// bounded by I/O, not codec speed.
package cutter

import (
	"context"
	"time"
)

// Cutter extracts intervals from a source file and joins parts into one.
type Cutter interface {
	// Cut writes src[start,end) to dst.
	Cut(ctx context.Context, src string, start, end time.Duration, dst string) error
	// Concat joins parts in order into dst.
	Concat(ctx context.Context, parts []string, dst string) error
}
