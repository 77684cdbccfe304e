package logging

import (
	"context"
	"log/slog"

	"qlbridge/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldRunID is the standardized structured logging key for query run identifiers.
	FieldRunID = "run_id"
	// FieldRequestID is the standardized structured logging key for JSON-RPC request ids.
	FieldRequestID = "request_id"
	// FieldMethod is the standardized structured logging key for JSON-RPC method names.
	FieldMethod = "method"
	// FieldDatabase is the standardized structured logging key for CodeQL database paths.
	FieldDatabase = "database"
	// FieldQuery is the standardized structured logging key for query file paths.
	FieldQuery = "query"
	// FieldPID is the standardized structured logging key for child process ids.
	FieldPID = "pid"
	// FieldProgressStep and FieldProgressMax carry ql/progressUpdated counters.
	FieldProgressStep = "progress_step"
	FieldProgressMax  = "progress_max"
	// FieldEventType classifies a log line for filtering (e.g. query_completed).
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next step to the operator.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 3)
	if component, ok := services.ComponentFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldComponent, component))
	}
	if runID, ok := services.RunIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRunID, runID))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldRequestID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}
