// SPDX-License-Identifier: MIT

package meta

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/log"
)

const taskColumns = `id, project_id, kind, status, progress, current_step,
	worker_id, error, created_at_ms, started_at_ms, completed_at_ms`

// CreateTask inserts a PENDING task for the project.
func (s *Store) CreateTask(ctx context.Context, projectID string, kind TaskKind) (*Task, error) {
	defer observe("create_task")()

	now := nowMS()
	t := &Task{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Kind:      kind,
		Status:    TaskPending,
		CreatedAt: msToTime(now),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, kind, status, created_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Kind, t.Status, now)
	if err != nil {
		// FK failure means the project vanished between check and insert.
		return nil, apperr.Wrap(apperr.NotFound, err, "insert task")
	}
	return t, nil
}

// GetTask loads one task row.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	defer observe("get_task")()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.NotFound, "task %s", id)
		}
		return nil, apperr.Wrap(apperr.Internal, err, "get task")
	}
	return t, nil
}

// ListTasks returns a project's tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]*Task, error) {
	defer observe("list_tasks")()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at_ms DESC`,
		projectID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// StartTask claims a PENDING task for a worker. The CAS loses either when
// the task is no longer PENDING or when the partial unique index already
// holds a RUNNING task of the same kind for the project; both are Conflict,
// the caller drops the delivery.
func (s *Store) StartTask(ctx context.Context, id, workerID string) error {
	defer observe("start_task")()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'RUNNING', worker_id = ?, started_at_ms = ?
		WHERE id = ? AND status = 'PENDING'`,
		workerID, nowMS(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Newf(apperr.Conflict, "task %s: another run is active for this project", id)
		}
		return apperr.Wrap(apperr.Internal, err, "start task")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "rows affected")
	}
	if n == 0 {
		var current TaskStatus
		err := s.db.QueryRowContext(ctx,
			"SELECT status FROM tasks WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.Newf(apperr.NotFound, "task %s", id)
		}
		if err != nil {
			return apperr.Wrap(apperr.Internal, err, "read task status")
		}
		return apperr.Newf(apperr.Conflict, "task %s is %s, not PENDING", id, current)
	}

	s.logger.Debug().
		Str(log.FieldTaskID, id).
		Str(log.FieldWorkerID, workerID).
		Str(log.FieldEvent, "meta.task_started").
		Msg("task claimed")
	return nil
}

// FinishTask records a task's terminal state.
func (s *Store) FinishTask(ctx context.Context, id string, status TaskStatus, errText string) error {
	defer observe("finish_task")()

	if !status.Terminal() {
		return apperr.Newf(apperr.InvalidArgument, "finish with non-terminal status %s", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, error = ?, completed_at_ms = ?,
		    progress = CASE WHEN ? = 'COMPLETED' THEN 100 ELSE progress END
		WHERE id = ?`,
		status, errText, nowMS(), status, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "finish task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "task %s", id)
	}
	return nil
}

// UpdateTaskProgress records the worker-visible step and percent.
func (s *Store) UpdateTaskProgress(ctx context.Context, id string, percent float64, step string) error {
	defer observe("update_task_progress")()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET progress = MAX(progress, ?), current_step = ?
		WHERE id = ?`,
		clampPercent(percent), step, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "update task progress")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Newf(apperr.NotFound, "task %s", id)
	}
	return nil
}

// ListPendingTasks returns PENDING tasks oldest first, for startup re-queue.
func (s *Store) ListPendingTasks(ctx context.Context) ([]*Task, error) {
	defer observe("list_pending_tasks")()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = 'PENDING' ORDER BY created_at_ms ASC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list pending tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// OrphanStuckTasks fails RUNNING tasks whose start time is older than the
// cutoff, and fails their projects when those are still non-terminal.
// Returns the ids of the orphaned tasks' projects.
func (s *Store) OrphanStuckTasks(ctx context.Context, cutoffMS int64) ([]string, error) {
	defer observe("orphan_stuck_tasks")()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "begin orphan sweep")
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, project_id FROM tasks
		WHERE status = 'RUNNING' AND started_at_ms < ?`, cutoffMS)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "find stuck tasks")
	}
	type stuck struct{ taskID, projectID string }
	var found []stuck
	for rows.Next() {
		var st stuck
		if err := rows.Scan(&st.taskID, &st.projectID); err != nil {
			rows.Close()
			return nil, apperr.Wrap(apperr.Internal, err, "scan stuck task")
		}
		found = append(found, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "iterate stuck tasks")
	}
	if len(found) == 0 {
		return nil, nil
	}

	now := nowMS()
	projects := make([]string, 0, len(found))
	for _, st := range found {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'FAILED', error = 'orphaned', completed_at_ms = ?
			WHERE id = ?`, now, st.taskID); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "fail stuck task")
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projects SET status = 'FAILED', error_message = 'orphaned task', updated_at_ms = ?
			WHERE id = ? AND status NOT IN ('COMPLETED','FAILED','CANCELLED')`,
			now, st.projectID); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "fail orphaned project")
		}
		projects = append(projects, st.projectID)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "commit orphan sweep")
	}
	return projects, nil
}

// DeleteOldTerminalTasks removes terminal tasks finished before the cutoff.
func (s *Store) DeleteOldTerminalTasks(ctx context.Context, cutoffMS int64) (int64, error) {
	defer observe("delete_old_tasks")()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN ('COMPLETED','FAILED','CANCELLED')
		  AND COALESCE(completed_at_ms, created_at_ms) < ?`, cutoffMS)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "delete old tasks")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan task")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "iterate tasks")
	}
	return out, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var createdMS int64
	var startedMS, completedMS sql.NullInt64
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Kind, &t.Status, &t.Progress, &t.CurrentStep,
		&t.WorkerID, &t.Error, &createdMS, &startedMS, &completedMS,
	)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = msToTime(createdMS)
	t.StartedAt = nullMSToTime(startedMS)
	t.CompletedAt = nullMSToTime(completedMS)
	return &t, nil
}
