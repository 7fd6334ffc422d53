package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldItemRef is the key for work item references (the item's token).
	FieldItemRef = "item_ref"
	// FieldOperation is the key for the producer-supplied operation tag.
	FieldOperation = "operation"
	// FieldArea is the key for queue area names.
	FieldArea = "area"
	// FieldWorkerID is the key for the worker instance identifier.
	FieldWorkerID = "worker_id"
	// FieldEventType is the key that classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint carries the operator's next step for warnings and errors.
	FieldErrorHint = "error_hint"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAlert flags anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)

type contextKey int

const (
	itemRefKey contextKey = iota
	operationKey
)

// WithItem returns a context that tags log lines with the item's ref and operation.
func WithItem(ctx context.Context, ref, operation string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, itemRefKey, ref)
	if operation != "" {
		ctx = context.WithValue(ctx, operationKey, operation)
	}
	return ctx
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 2)
	if ref, ok := ctx.Value(itemRefKey).(string); ok && ref != "" {
		fields = append(fields, slog.String(FieldItemRef, ref))
	}
	if op, ok := ctx.Value(operationKey).(string); ok && op != "" {
		fields = append(fields, slog.String(FieldOperation, op))
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
	return slog.New(logger.Handler().WithAttrs(fields))
}
