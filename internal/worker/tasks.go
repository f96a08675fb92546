// SPDX-License-Identifier: MIT

package worker

import (
	"context"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/meta"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/pipeline"
	"github.com/clipforge/clipforge/internal/progress"
)

// EnqueueOptions select what a new task runs.
type EnqueueOptions struct {
	// Kind defaults to PROCESS.
	Kind meta.TaskKind
	// StartAtStage is where the run begins. The zero value starts at ingest.
	StartAtStage pipeline.Stage
	// Resume marks the task as a retry of an earlier run.
	Resume bool
}

// Enqueue writes a task row and pushes its queue message. Enqueueing a
// project that already has a live task of the same kind returns that task
// unchanged, so repeated process requests stay idempotent.
func (p *Pool) Enqueue(ctx context.Context, projectID string, opts EnqueueOptions) (*meta.Task, error) {
	if opts.Kind == "" {
		opts.Kind = meta.TaskProcess
	}
	if !opts.StartAtStage.Valid() {
		return nil, apperr.Newf(apperr.InvalidArgument, "invalid start stage %d", opts.StartAtStage)
	}
	if _, err := p.deps.Meta.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	tasks, err := p.deps.Meta.ListTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Kind == opts.Kind && !t.Status.Terminal() {
			p.logger.Debug().
				Str(log.FieldProjectID, projectID).
				Str(log.FieldTaskID, t.ID).
				Str(log.FieldEvent, "worker.enqueue_deduped").
				Msg("live task of same kind already queued")
			return t, nil
		}
	}

	task, err := p.deps.Meta.CreateTask(ctx, projectID, opts.Kind)
	if err != nil {
		return nil, err
	}
	msg := taskMessage{
		TaskID:    task.ID,
		ProjectID: projectID,
		Kind:      opts.Kind,
		Opts: messageOpts{
			StartAtStage: opts.StartAtStage.String(),
			Resume:       opts.Resume,
		},
	}
	payload, err := msg.encode()
	if err == nil {
		err = p.deps.Queue.Push(ctx, queueForKind(opts.Kind), payload)
	}
	if err != nil {
		// The row exists but no message will arrive; close it so the task
		// does not sit PENDING forever.
		p.finishTask(ctx, p.logger, msg, meta.TaskFailed, "enqueue failed: "+clipText(err.Error()))
		return nil, err
	}

	p.logger.Info().
		Str(log.FieldProjectID, projectID).
		Str(log.FieldTaskID, task.ID).
		Str(log.FieldKind, string(opts.Kind)).
		Str(log.FieldStage, opts.StartAtStage.String()).
		Str(log.FieldEvent, "worker.task_enqueued").
		Msg("task enqueued")
	return task, nil
}

// EnqueueSync pushes a task-less maintenance message that re-runs data sync
// for the project. The janitor uses it for completed projects whose clip
// rows went missing.
func (p *Pool) EnqueueSync(ctx context.Context, projectID string) error {
	msg := taskMessage{ProjectID: projectID, Opts: messageOpts{Op: opSync}}
	payload, err := msg.encode()
	if err != nil {
		return err
	}
	if err := p.deps.Queue.Push(ctx, QueueMaintenance, payload); err != nil {
		return err
	}
	p.logger.Debug().
		Str(log.FieldProjectID, projectID).
		Str(log.FieldEvent, "worker.sync_enqueued").
		Msg("sync enqueued")
	return nil
}

// Cancel stops one task. A live run gets a cooperative cancellation and
// reaches CANCELLED through the pipeline's own finalisation; a task that is
// merely queued has its row closed here so the pending delivery is dropped.
// The bool reports whether anything was actually cancelled.
func (p *Pool) Cancel(ctx context.Context, taskID string) (bool, error) {
	task, err := p.deps.Meta.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status.Terminal() {
		return false, nil
	}
	if p.deps.Orchestrator.Cancel(task.ProjectID) {
		return true, nil
	}
	if err := p.deps.Meta.FinishTask(ctx, taskID, meta.TaskCancelled, "cancelled"); err != nil {
		return false, err
	}
	p.journalDone(ctx, p.logger, taskID, "cancelled")
	metrics.IncTask(string(task.Kind), "cancelled")
	p.logger.Info().
		Str(log.FieldTaskID, taskID).
		Str(log.FieldProjectID, task.ProjectID).
		Str(log.FieldEvent, "worker.task_cancelled").
		Msg("queued task cancelled")
	return true, nil
}

// CancelProject stops whatever the project is doing: the in-flight run when
// one exists, otherwise every queued task plus the project row itself. The
// bool reports whether anything was actually cancelled.
func (p *Pool) CancelProject(ctx context.Context, projectID string) (bool, error) {
	project, err := p.deps.Meta.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	if p.deps.Orchestrator.Cancel(projectID) {
		return true, nil
	}

	tasks, err := p.deps.Meta.ListTasks(ctx, projectID)
	if err != nil {
		return false, err
	}
	cancelled := false
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if err := p.deps.Meta.FinishTask(ctx, t.ID, meta.TaskCancelled, "cancelled"); err != nil {
			p.logger.Warn().Err(err).
				Str(log.FieldTaskID, t.ID).
				Str(log.FieldEvent, "worker.finish_miss").
				Msg("task cancel not recorded")
			continue
		}
		p.journalDone(ctx, p.logger, t.ID, "cancelled")
		metrics.IncTask(string(t.Kind), "cancelled")
		cancelled = true
	}

	if project.Status.Terminal() {
		return cancelled, nil
	}
	msg := "cancelled"
	err = pipeline.Transition(ctx, p.deps.Meta, projectID, project.Status, meta.ProjectCancelled,
		&meta.StatusFields{ErrorMessage: &msg})
	if err != nil {
		if apperr.KindOf(err) == apperr.Conflict {
			// Someone else moved the project first; their finaliser owns
			// the terminal event.
			return cancelled, nil
		}
		return cancelled, err
	}
	if perr := p.deps.Fabric.Publish(ctx, progress.Update{
		ProjectID: projectID,
		Stage:     progress.StageError,
		Percent:   project.Progress,
		Message:   "cancelled",
	}); perr != nil {
		p.logger.Warn().Err(perr).
			Str(log.FieldProjectID, projectID).
			Str(log.FieldEvent, "worker.progress_miss").
			Msg("cancel event not published")
	}
	p.logger.Info().
		Str(log.FieldProjectID, projectID).
		Str(log.FieldEvent, "worker.project_cancelled").
		Msg("project cancelled")
	return true, nil
}

// Retry re-enqueues a FAILED or CANCELLED project. The run resumes at the
// stage that failed; when the ingested media is gone it starts over from
// ingest, downloading again for remote sources.
func (p *Pool) Retry(ctx context.Context, projectID string) (*meta.Task, error) {
	project, err := p.deps.Meta.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	switch project.Status {
	case meta.ProjectFailed, meta.ProjectCancelled:
	default:
		return nil, apperr.Newf(apperr.Conflict,
			"retry requires a FAILED or CANCELLED project, not %s", project.Status)
	}

	stage := pipeline.StageIngest
	if s, perr := pipeline.ParseStage(project.ErrorStage); perr == nil {
		stage = s
	}
	hasRaw := p.deps.Orchestrator.HasRawVideo(projectID)
	if !hasRaw {
		stage = pipeline.StageIngest
	}
	kind := meta.TaskProcess
	switch {
	case stage >= pipeline.StageExport:
		kind = meta.TaskExport
	case stage == pipeline.StageIngest && project.SourceType == meta.SourceRemote && !hasRaw:
		kind = meta.TaskDownload
	}
	return p.Enqueue(ctx, projectID, EnqueueOptions{Kind: kind, StartAtStage: stage, Resume: true})
}

// requeueStalePending re-pushes PENDING tasks older than a minute. They are
// left over from a crash between the row write and the queue push, or from
// deliveries lost with a restarted in-memory broker.
func (p *Pool) requeueStalePending(ctx context.Context) error {
	tasks, err := p.deps.Meta.ListPendingTasks(ctx)
	if err != nil {
		return err
	}
	now := p.deps.Clock()
	for _, t := range tasks {
		if now.Sub(t.CreatedAt) < stalePendingAge {
			continue
		}
		stage := pipeline.StageIngest
		if project, perr := p.deps.Meta.GetProject(ctx, t.ProjectID); perr == nil {
			if s := pipeline.Stage(project.CurrentStage); s.Valid() {
				stage = s
			}
		}
		if t.Kind == meta.TaskExport && stage < pipeline.StageExport {
			stage = pipeline.StageExport
		}
		msg := taskMessage{
			TaskID:    t.ID,
			ProjectID: t.ProjectID,
			Kind:      t.Kind,
			Opts:      messageOpts{StartAtStage: stage.String(), Resume: true},
		}
		payload, eerr := msg.encode()
		if eerr != nil {
			continue
		}
		if perr := p.deps.Queue.Push(ctx, queueForKind(t.Kind), payload); perr != nil {
			p.logger.Warn().Err(perr).
				Str(log.FieldTaskID, t.ID).
				Str(log.FieldEvent, "worker.requeue_failed").
				Msg("stale task requeue failed")
			continue
		}
		p.logger.Info().
			Str(log.FieldTaskID, t.ID).
			Str(log.FieldProjectID, t.ProjectID).
			Str(log.FieldStage, stage.String()).
			Str(log.FieldEvent, "worker.stale_task_requeued").
			Msg("stale pending task requeued")
	}
	return nil
}
