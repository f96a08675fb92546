// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/meta"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/progress"
	"github.com/clipforge/clipforge/internal/telemetry"
)

// errCancelRequested is the cancel cause set by Cancel. It separates a
// user-requested stop from a parent shutdown or a stage timeout.
var errCancelRequested = errors.New("cancel requested")

// finalizeTimeout bounds the status/progress writes that close out a run
// whose context is already dead.
const finalizeTimeout = 10 * time.Second

const errMessageLimit = 500

// Orchestrator executes pipeline runs. One instance serves the process;
// per-project exclusivity is enforced by the active-run registry here and,
// across processes, by the task CAS in the metadata store.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// New validates deps, fills zero timeouts from the defaults, and builds an
// orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	opts.Timeouts = fillTimeouts(opts.Timeouts)
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: log.WithComponent("pipeline"),
		tracer: telemetry.Tracer("pipeline"),
		active: make(map[string]context.CancelCauseFunc),
	}, nil
}

func fillTimeouts(t config.StageTimeouts) config.StageTimeouts {
	d := config.Defaults().StageTimeouts
	if t.Ingest <= 0 {
		t.Ingest = d.Ingest
	}
	if t.Subtitle <= 0 {
		t.Subtitle = d.Subtitle
	}
	if t.Analyze <= 0 {
		t.Analyze = d.Analyze
	}
	if t.Highlight <= 0 {
		t.Highlight = d.Highlight
	}
	if t.Export <= 0 {
		t.Export = d.Export
	}
	if t.Done <= 0 {
		t.Done = d.Done
	}
	return t
}

func (o *Orchestrator) timeoutFor(s Stage) time.Duration {
	t := o.opts.Timeouts
	switch s {
	case StageIngest:
		return t.Ingest
	case StageSubtitle:
		return t.Subtitle
	case StageAnalyze:
		return t.Analyze
	case StageHighlight:
		return t.Highlight
	case StageExport:
		return t.Export
	case StageDone:
		return t.Done
	default:
		return time.Minute
	}
}

// Cancel signals the project's in-flight run, if any. It returns whether a
// cancellation was actually delivered; false means no run is active (the
// run never started, or already reached a terminal state).
func (o *Orchestrator) Cancel(projectID string) bool {
	o.mu.Lock()
	cancel, ok := o.active[projectID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel(errCancelRequested)
	o.logger.Info().
		Str(log.FieldProjectID, projectID).
		Str(log.FieldEvent, "pipeline.cancel_signalled").
		Msg("cancellation signalled")
	return true
}

// Active reports whether the project has an in-flight run.
func (o *Orchestrator) Active(projectID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[projectID]
	return ok
}

func (o *Orchestrator) register(projectID string, cancel context.CancelCauseFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.active[projectID]; exists {
		return false
	}
	o.active[projectID] = cancel
	return true
}

func (o *Orchestrator) unregister(projectID string) {
	o.mu.Lock()
	delete(o.active, projectID)
	o.mu.Unlock()
}

// Run executes the pipeline from opts.StartAtStage through DONE. It blocks
// until the project reaches a terminal status. The returned error is nil
// only when the project completed; a cancelled run reports Cancelled, a
// concurrent run Busy, and a lost status race Conflict.
func (o *Orchestrator) Run(ctx context.Context, projectID string, opts RunOptions) (*Result, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, apperr.New(apperr.InvalidArgument, "project id is empty")
	}
	start := opts.StartAtStage
	if !start.Valid() {
		return nil, apperr.Newf(apperr.InvalidArgument, "invalid start stage %d", int(start))
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !o.register(projectID, cancel) {
		return nil, apperr.Newf(apperr.Busy, "project %s already has an active run", projectID)
	}
	defer o.unregister(projectID)

	began := o.deps.Clock()
	project, err := o.deps.Meta.GetProject(runCtx, projectID)
	if err != nil {
		return nil, err
	}

	logger := o.logger.With().Str(log.FieldProjectID, projectID).Logger()
	if opts.TaskID != "" {
		logger = logger.With().Str(log.FieldTaskID, opts.TaskID).Logger()
	}

	runCtx, span := o.tracer.Start(runCtx, "pipeline.run",
		trace.WithAttributes(telemetry.RunAttributes(projectID, opts.TaskID)...))
	defer span.End()

	env := &runEnv{
		o:       o,
		project: project,
		taskID:  opts.TaskID,
		logger:  logger,
		result:  &Result{ProjectID: projectID},
	}

	settings, err := ParseSettings(project.Settings)
	if err != nil {
		return o.finalize(ctx, env, project.Status, start, err, runCtx, false, began)
	}
	env.settings = settings

	// Enter the pipeline. Remote sources without materialised media pass
	// through DOWNLOADING first; everything else goes straight to
	// PROCESSING. A Conflict here means another worker acted; yield.
	target := meta.ProjectProcessing
	if start == StageIngest && project.SourceType == meta.SourceRemote && !o.HasRawVideo(projectID) {
		target = meta.ProjectDownloading
	}
	statusNow := project.Status
	if statusNow != target {
		entry := start.EnterPercent()
		stageIdx := int(start)
		empty := ""
		if err := Transition(runCtx, o.deps.Meta, projectID, statusNow, target, &meta.StatusFields{
			Progress:     &entry,
			CurrentStage: &stageIdx,
			ErrorStage:   &empty,
			ErrorMessage: &empty,
		}); err != nil {
			return nil, err
		}
		statusNow = target
	}

	o.deps.Fabric.Forget(projectID)
	logger.Info().
		Str(log.FieldStage, start.String()).
		Bool("resume", opts.Resume).
		Str(log.FieldEvent, "pipeline.run_started").
		Msg("pipeline run started")

	for _, stage := range Stages[int(start):] {
		if err := runCtx.Err(); err != nil {
			return o.finalize(ctx, env, statusNow, stage, err, runCtx, false, began)
		}
		env.stage = stage
		env.publish(runCtx, stage.EnterPercent(), "")

		stageStart := o.deps.Clock()
		summary, timedOut, err := o.runStage(runCtx, stage, env)
		elapsed := o.deps.Clock().Sub(stageStart)
		if err != nil {
			metrics.ObserveStage(stage.String(), "error", elapsed)
			return o.finalize(ctx, env, statusNow, stage, err, runCtx, timedOut, began)
		}
		metrics.ObserveStage(stage.String(), "ok", elapsed)

		logger.Info().
			Str(log.FieldStage, stage.String()).
			Dur(log.FieldDuration, elapsed).
			Interface("counts", summary.Counts).
			Strs("warnings", summary.Warnings).
			Str(log.FieldEvent, "pipeline.stage_completed").
			Msg("stage completed")

		if stage == StageIngest && statusNow == meta.ProjectDownloading {
			if err := Transition(runCtx, o.deps.Meta, projectID, meta.ProjectDownloading, meta.ProjectProcessing, nil); err != nil {
				return o.finalize(ctx, env, statusNow, stage, err, runCtx, false, began)
			}
			statusNow = meta.ProjectProcessing
		}
		if stage != StageDone {
			env.publish(runCtx, stage.LeavePercent(), "")
		}
	}

	full := 100.0
	doneIdx := int(StageDone)
	if err := Transition(runCtx, o.deps.Meta, projectID, statusNow, meta.ProjectCompleted, &meta.StatusFields{
		Progress:     &full,
		CurrentStage: &doneIdx,
	}); err != nil {
		return nil, err
	}
	env.stage = StageDone
	env.publish(runCtx, 100, "")
	metrics.IncRun("completed")

	env.result.Status = meta.ProjectCompleted
	env.result.LastStage = StageDone
	env.result.Elapsed = o.deps.Clock().Sub(began)
	logger.Info().
		Dur(log.FieldDuration, env.result.Elapsed).
		Int("clips", env.result.Clips).
		Int("collections", env.result.Collections).
		Str(log.FieldEvent, "pipeline.run_completed").
		Msg("pipeline run completed")
	return env.result, nil
}

// runStage dispatches one stage under its timeout. timedOut distinguishes a
// stage deadline from a run-level cancellation.
func (o *Orchestrator) runStage(runCtx context.Context, stage Stage, env *runEnv) (StageSummary, bool, error) {
	stageCtx, cancel := context.WithTimeout(runCtx, o.timeoutFor(stage))
	defer cancel()

	stageCtx, span := o.tracer.Start(stageCtx, "pipeline."+strings.ToLower(stage.String()),
		trace.WithAttributes(telemetry.StageAttributes(env.project.ID, stage.String())...))
	defer span.End()

	var summary StageSummary
	var err error
	switch stage {
	case StageIngest:
		summary, err = o.runIngest(stageCtx, env)
	case StageSubtitle:
		summary, err = o.runSubtitle(stageCtx, env)
	case StageAnalyze:
		summary, err = o.runAnalyze(stageCtx, env)
	case StageHighlight:
		summary, err = o.runHighlight(stageCtx, env)
	case StageExport:
		summary, err = o.runExport(stageCtx, env)
	case StageDone:
		summary, err = o.runDone(stageCtx, env)
	default:
		err = apperr.Newf(apperr.Internal, "no handler for stage %s", stage)
	}

	timedOut := err != nil &&
		errors.Is(stageCtx.Err(), context.DeadlineExceeded) &&
		runCtx.Err() == nil
	if err != nil {
		span.RecordError(err)
	}
	return summary, timedOut, err
}

// finalize closes out a run that did not complete: it classifies the
// failure, moves the project to its terminal status, and publishes exactly
// one ERROR progress event. Writes run on a detached context so a dead run
// context cannot strand the project in a non-terminal status.
func (o *Orchestrator) finalize(parent context.Context, env *runEnv, statusNow meta.ProjectStatus, stage Stage, runErr error, runCtx context.Context, timedOut bool, began time.Time) (*Result, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finalizeTimeout)
	defer cancel()

	var (
		terminal meta.ProjectStatus
		message  string
		outcome  string
		retErr   error
	)
	switch {
	case runCtx.Err() != nil && errors.Is(context.Cause(runCtx), errCancelRequested):
		terminal = meta.ProjectCancelled
		message = "cancelled"
		outcome = "cancelled"
		retErr = apperr.New(apperr.Cancelled, "run cancelled")
	case runCtx.Err() != nil:
		terminal = meta.ProjectFailed
		message = "interrupted"
		outcome = "failed"
		retErr = apperr.Wrap(apperr.Transient, runErr, "run interrupted")
	case timedOut:
		terminal = meta.ProjectFailed
		message = "timeout"
		outcome = "failed"
		retErr = apperr.Newf(apperr.Unrecoverable, "stage %s timed out after %s", stage, o.timeoutFor(stage))
	default:
		terminal = meta.ProjectFailed
		message = truncate(runErr.Error(), errMessageLimit)
		outcome = "failed"
		retErr = runErr
	}

	stageName := stage.String()
	fields := &meta.StatusFields{
		ErrorStage:   &stageName,
		ErrorMessage: &message,
	}
	transitioned := true
	if err := Transition(fctx, o.deps.Meta, env.project.ID, statusNow, terminal, fields); err != nil {
		transitioned = false
		env.logger.Warn().Err(err).
			Str(log.FieldStage, stageName).
			Str(log.FieldStatus, string(terminal)).
			Str(log.FieldEvent, "pipeline.finalize_lost_race").
			Msg("terminal status transition lost, another actor acted")
	}

	// Exactly one ERROR event per run, and only from the actor that won
	// the terminal transition.
	if transitioned {
		if err := o.deps.Fabric.Publish(fctx, progress.Update{
			ProjectID: env.project.ID,
			Stage:     progress.StageError,
			Percent:   stage.EnterPercent(),
			Message:   message,
		}); err != nil {
			env.logger.Warn().Err(err).
				Str(log.FieldEvent, "pipeline.error_publish_miss").
				Msg("ERROR progress publish failed")
		}
	}

	metrics.IncRun(outcome)
	env.logger.Info().
		Err(runErr).
		Str(log.FieldStage, stageName).
		Str(log.FieldStatus, string(terminal)).
		Dur(log.FieldDuration, o.deps.Clock().Sub(began)).
		Str(log.FieldEvent, "pipeline.run_"+outcome).
		Msg("pipeline run ended early")

	env.result.Status = terminal
	env.result.LastStage = stage
	env.result.Elapsed = o.deps.Clock().Sub(began)
	return env.result, retErr
}

// HasRawVideo reports whether ingest already materialised raw/video.*.
// Retry planning uses it to decide between resuming at the failed stage
// and starting over from ingest.
func (o *Orchestrator) HasRawVideo(projectID string) bool {
	_, ok := o.findRawVideo(projectID)
	return ok
}

// findRawVideo locates the ingested media file, whatever its extension.
func (o *Orchestrator) findRawVideo(projectID string) (string, bool) {
	rawDir, err := o.deps.Content.Path(projectID, "raw")
	if err != nil {
		return "", false
	}
	entries, err := os.ReadDir(rawDir)
	if err != nil {
		return "", false
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if stem == "video" {
			return filepath.Join(rawDir, name), true
		}
	}
	return "", false
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
