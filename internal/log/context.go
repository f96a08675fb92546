// SPDX-License-Identifier: MIT

package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	projectIDKey ctxKey = "project_id"
	taskIDKey    ctxKey = "task_id"
)

// ContextWithRequestID tags ctx with the id the HTTP middleware assigned.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

// ContextWithProjectID tags ctx with the project a run belongs to.
func ContextWithProjectID(ctx context.Context, id string) context.Context {
	return withValue(ctx, projectIDKey, id)
}

// ContextWithTaskID tags ctx with the task driving the current run.
func ContextWithTaskID(ctx context.Context, id string) context.Context {
	return withValue(ctx, taskIDKey, id)
}

func withValue(ctx context.Context, key ctxKey, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, id)
}

// RequestIDFromContext reports the request id, or "" when ctx carries none.
func RequestIDFromContext(ctx context.Context) string { return ctxString(ctx, requestIDKey) }

// ProjectIDFromContext reports the project id, or "" when ctx carries none.
func ProjectIDFromContext(ctx context.Context) string { return ctxString(ctx, projectIDKey) }

// TaskIDFromContext reports the task id, or "" when ctx carries none.
func TaskIDFromContext(ctx context.Context) string { return ctxString(ctx, taskIDKey) }

func ctxString(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// WithContext copies whatever correlation ids ctx carries onto the logger.
// A ctx without ids hands the logger back untouched.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	rid := RequestIDFromContext(ctx)
	pid := ProjectIDFromContext(ctx)
	tid := TaskIDFromContext(ctx)
	if rid == "" && pid == "" && tid == "" {
		return logger
	}
	builder := logger.With()
	if rid != "" {
		builder = builder.Str(FieldRequestID, rid)
	}
	if pid != "" {
		builder = builder.Str(FieldProjectID, pid)
	}
	if tid != "" {
		builder = builder.Str(FieldTaskID, tid)
	}
	return builder.Logger()
}

// WithComponentFromContext builds a component logger carrying the correlation
// ids in ctx. Handlers use it where no struct-held logger is in reach.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	l := FromContext(ctx)
	return WithContext(ctx, l.With().Str(FieldComponent, component).Logger())
}

// FromContext returns the logger stashed in ctx via zerolog's WithContext,
// falling back to the shared root when none was stored. The worker stashes
// its run logger so code underneath logs with task and project ids attached.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		l := logger()
		return &l
	}
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		root := logger()
		return &root
	}
	return l
}
