// SPDX-License-Identifier: MIT

// Package pipeline executes the six processing stages for one project:
// INGEST, SUBTITLE, ANALYZE, HIGHLIGHT, EXPORT, DONE. Stages communicate
// through on-disk artifacts only, so a run can resume at any stage whose
// inputs survived. The orchestrator owns the project status machine,
// publishes progress at every stage boundary, and honors cooperative
// cancellation.
package pipeline

import (
	"time"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/capability/cutter"
	"github.com/clipforge/clipforge/internal/capability/downloader"
	"github.com/clipforge/clipforge/internal/capability/llm"
	"github.com/clipforge/clipforge/internal/capability/transcriber"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/content"
	"github.com/clipforge/clipforge/internal/meta"
	"github.com/clipforge/clipforge/internal/progress"
)

// Deps are the orchestrator's collaborators. All fields are required
// except Clock, which defaults to time.Now.
type Deps struct {
	Meta        *meta.Store
	Content     *content.Store
	Fabric      *progress.Publisher
	LLM         *llm.Client
	Downloader  downloader.Downloader
	Transcriber transcriber.Transcriber
	Cutter      cutter.Cutter
	Clock       func() time.Time
}

// Validate reports the first missing dependency by name.
func (d Deps) Validate() error {
	switch {
	case d.Meta == nil:
		return apperr.New(apperr.Internal, "pipeline deps: Meta is nil")
	case d.Content == nil:
		return apperr.New(apperr.Internal, "pipeline deps: Content is nil")
	case d.Fabric == nil:
		return apperr.New(apperr.Internal, "pipeline deps: Fabric is nil")
	case d.LLM == nil:
		return apperr.New(apperr.Internal, "pipeline deps: LLM is nil")
	case d.Downloader == nil:
		return apperr.New(apperr.Internal, "pipeline deps: Downloader is nil")
	case d.Transcriber == nil:
		return apperr.New(apperr.Internal, "pipeline deps: Transcriber is nil")
	case d.Cutter == nil:
		return apperr.New(apperr.Internal, "pipeline deps: Cutter is nil")
	}
	return nil
}

// Options tune a single orchestrator instance.
type Options struct {
	// Timeouts bound each stage; zero fields fall back to the defaults
	// from config.Defaults().
	Timeouts config.StageTimeouts
	// CookiesDir holds per-user cookie jars referenced by
	// Project.CookieJarID. Empty disables jar resolution.
	CookiesDir string
}

// RunOptions select where a run starts.
type RunOptions struct {
	// StartAtStage is the first stage to execute. Preconditions still
	// apply: the stage fails when its input artifacts are missing.
	StartAtStage Stage
	// Resume marks a retry of an earlier run. It only affects logging;
	// artifact handling is identical either way.
	Resume bool
	// TaskID, when set, receives per-stage progress on the task row.
	TaskID string
}

// Result summarises a completed run.
type Result struct {
	ProjectID   string
	Status      meta.ProjectStatus
	LastStage   Stage
	Clips       int
	Collections int
	Elapsed     time.Duration
}

// StageSummary is what a stage handler reports back for logging.
type StageSummary struct {
	Counts   map[string]int
	Warnings []string
}

func newSummary() StageSummary {
	return StageSummary{Counts: make(map[string]int)}
}
