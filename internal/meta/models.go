// SPDX-License-Identifier: MIT

package meta

import (
	"encoding/json"
	"time"
)

// ProjectStatus is the project lifecycle state.
type ProjectStatus string

const (
	ProjectPending     ProjectStatus = "PENDING"
	ProjectDownloading ProjectStatus = "DOWNLOADING"
	ProjectProcessing  ProjectStatus = "PROCESSING"
	ProjectCompleted   ProjectStatus = "COMPLETED"
	ProjectFailed      ProjectStatus = "FAILED"
	ProjectCancelled   ProjectStatus = "CANCELLED"
)

// Terminal reports whether no further pipeline work may touch the project.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectCompleted || s == ProjectFailed || s == ProjectCancelled
}

// SourceType distinguishes uploaded from downloaded material.
type SourceType string

const (
	SourceLocal  SourceType = "local"
	SourceRemote SourceType = "remote"
)

// Categories is the fixed project category enumeration.
var Categories = []string{"knowledge", "review", "entertainment", "education", "tech", "other"}

// Project is one video processing job and its outcome.
type Project struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Category      string          `json:"category,omitempty"`
	SourceType    SourceType      `json:"source_type"`
	SourceURL     string          `json:"source_url,omitempty"`
	Platform      string          `json:"platform,omitempty"`
	CookieJarID   string          `json:"cookie_jar_id,omitempty"`
	Status        ProjectStatus   `json:"status"`
	CurrentStage  int             `json:"current_stage"`
	Progress      float64         `json:"progress"`
	ErrorStage    string          `json:"error_stage,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	VideoPath     string          `json:"video_path,omitempty"`
	SubtitlePath  string          `json:"subtitle_path,omitempty"`
	VideoDuration float64         `json:"video_duration,omitempty"`
	Settings      json.RawMessage `json:"settings,omitempty"`
	AutoPrune     bool            `json:"auto_prune"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ProjectSpec is the validated input for CreateProject.
type ProjectSpec struct {
	Name         string          `json:"name" validate:"required,min=1,max=200"`
	Description  string          `json:"description" validate:"max=2000"`
	Category     string          `json:"category" validate:"omitempty,oneof=knowledge review entertainment education tech other"`
	SourceType   SourceType      `json:"source_type" validate:"required,oneof=local remote"`
	SourceURL    string          `json:"source_url" validate:"required_if=SourceType remote,omitempty,url"`
	Platform     string          `json:"platform" validate:"max=50"`
	CookieJarID  string          `json:"cookie_jar_id" validate:"max=100"`
	VideoPath    string          `json:"video_path"`
	SubtitlePath string          `json:"subtitle_path"`
	Settings     json.RawMessage `json:"settings"`
	AutoPrune    bool            `json:"auto_prune"`
}

// StatusFields are optional columns written together with a status CAS.
// Nil pointers leave the column untouched.
type StatusFields struct {
	Progress      *float64
	CurrentStage  *int
	ErrorStage    *string
	ErrorMessage  *string
	VideoPath     *string
	SubtitlePath  *string
	VideoDuration *float64
}

// TaskKind selects what a queued task runs.
type TaskKind string

const (
	TaskProcess  TaskKind = "PROCESS"
	TaskDownload TaskKind = "DOWNLOAD"
	TaskExport   TaskKind = "EXPORT"
)

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether the task reached an end state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is one unit of queued work against a project.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Kind        TaskKind   `json:"kind"`
	Status      TaskStatus `json:"status"`
	Progress    float64    `json:"progress"`
	CurrentStep string     `json:"current_step,omitempty"`
	WorkerID    string     `json:"worker_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clip is one extracted highlight.
type Clip struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	Title        string          `json:"title"`
	Score        float64         `json:"score"`
	StartTime    float64         `json:"start_time"`
	EndTime      float64         `json:"end_time"`
	Duration     float64         `json:"duration"`
	OriginalID   string          `json:"original_id,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	ArtifactPath string          `json:"artifact_path,omitempty"`
	FilePath     string          `json:"file_path,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CollectionStatus tracks whether a collection has been cut to a file.
type CollectionStatus string

const (
	CollectionCreated  CollectionStatus = "CREATED"
	CollectionExported CollectionStatus = "EXPORTED"
)

// Collection is an ordered set of clips grouped by theme.
type Collection struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	ClipIDs     []string         `json:"clip_ids"`
	Status      CollectionStatus `json:"status"`
	ExportPath  string           `json:"export_path,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ProjectFilter narrows ListProjects.
type ProjectFilter struct {
	Status ProjectStatus
}

// Page bounds a listing. Zero Limit means the default page size.
type Page struct {
	Limit  int
	Offset int
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
