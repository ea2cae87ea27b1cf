package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID       = "job_id"
	FieldAccountID   = "account_id"
	FieldThreadID    = "thread_id"
	FieldExecutionID = "execution_id"

	// Components
	FieldComponent = "component"

	// Job state
	FieldStatus     = "status"
	FieldPriority   = "priority"
	FieldRetryCount = "retry_count"
	FieldMaxRetries = "max_retries"
	FieldBackoff    = "backoff"
	FieldScheduled  = "scheduled_time"

	// State machine
	FieldStage    = "stage"
	FieldTarget   = "target"
	FieldSelector = "selector"
	FieldUIState  = "ui_state"
	FieldAttempt  = "attempt"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount = "count"

	// Files and paths
	FieldPath      = "path"
	FieldPartition = "partition"

	FieldSymbol = "symbol"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	accountIDKey contextKey = "logger_account_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithAccountID adds an account ID to the context for logging
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if accountID, ok := ctx.Value(accountIDKey).(string); ok && accountID != "" {
		fields = append(fields, FieldAccountID, accountID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base decorated with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	sched := schedule.New(mgr, exec, cfg, logger.ComponentLogger("pulse.scheduler"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
