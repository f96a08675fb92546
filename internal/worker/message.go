// SPDX-License-Identifier: MIT

package worker

import (
	"encoding/json"
	"strings"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/meta"
)

// Queue names. The pool consumes the first three with a single blocking
// pop in priority order; undecodable messages land on the dead queue.
const (
	QueueProcessing  = "queue:processing"
	QueueExport      = "queue:export"
	QueueMaintenance = "queue:maintenance"
	QueueDead        = "queue:dead"
)

// popOrder is the consumption priority.
var popOrder = []string{QueueProcessing, QueueExport, QueueMaintenance}

// opSync marks a task-less maintenance message that re-runs data sync.
const opSync = "sync"

// messageOpts mirror pipeline.RunOptions on the wire.
type messageOpts struct {
	Op           string `json:"op,omitempty"`
	StartAtStage string `json:"start_at_stage,omitempty"`
	Resume       bool   `json:"resume,omitempty"`
}

// taskMessage is the queue payload. Run messages carry a task id and kind;
// sync messages carry only the project and Op == "sync".
type taskMessage struct {
	TaskID    string        `json:"task_id,omitempty"`
	ProjectID string        `json:"project_id"`
	Kind      meta.TaskKind `json:"kind,omitempty"`
	Opts      messageOpts   `json:"opts,omitempty"`
}

func (m taskMessage) encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encode task message")
	}
	return data, nil
}

func decodeMessage(payload []byte) (taskMessage, error) {
	var m taskMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return m, apperr.Wrap(apperr.InvalidArgument, err, "decode task message")
	}
	if strings.TrimSpace(m.ProjectID) == "" {
		return m, apperr.New(apperr.InvalidArgument, "task message without project id")
	}
	if m.Opts.Op == opSync {
		return m, nil
	}
	if strings.TrimSpace(m.TaskID) == "" {
		return m, apperr.New(apperr.InvalidArgument, "task message without task id")
	}
	switch m.Kind {
	case meta.TaskProcess, meta.TaskDownload, meta.TaskExport:
	default:
		return m, apperr.Newf(apperr.InvalidArgument, "task message with unknown kind %q", m.Kind)
	}
	return m, nil
}

// queueForKind routes a task to its priority class.
func queueForKind(kind meta.TaskKind) string {
	if kind == meta.TaskExport {
		return QueueExport
	}
	return QueueProcessing
}
