// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID    = "request_id"
	FieldProjectID    = "project_id"
	FieldTaskID       = "task_id"
	FieldClipID       = "clip_id"
	FieldCollectionID = "collection_id"
	FieldUserID       = "user_id"
	FieldConnID       = "conn_id"
	FieldWorkerID     = "worker_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldStatus    = "status"
	FieldOutcome   = "outcome"
	FieldKind      = "kind"
	FieldQueue     = "queue"
	FieldChannel   = "channel"
	FieldPercent   = "percent"
	FieldAttempt   = "attempt"
	FieldDuration  = "duration_ms"

	// Content fields
	FieldPath  = "path"
	FieldBytes = "bytes"
)
