// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	ProjectIDKey = "project.id"
	TaskIDKey    = "task.id"
	StageKey     = "pipeline.stage"
	PromptKey    = "llm.prompt"
	AttemptKey   = "llm.attempt"
	QueueKey     = "worker.queue"
	ChannelKey   = "progress.channel"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// RunAttributes creates span attributes for one pipeline run.
func RunAttributes(projectID, taskID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ProjectIDKey, projectID),
		attribute.String(TaskIDKey, taskID),
	}
}

// StageAttributes creates span attributes for one stage execution.
func StageAttributes(projectID, stage string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ProjectIDKey, projectID),
		attribute.String(StageKey, stage),
	}
}

// LLMAttributes creates span attributes for one LLM call attempt.
func LLMAttributes(prompt string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(PromptKey, prompt),
		attribute.Int(AttemptKey, attempt),
	}
}

// ErrorAttributes marks a span as failed with a typed reason.
func ErrorAttributes(errType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errType),
	}
}
