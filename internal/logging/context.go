// internal/logging/context.go
package logging

import (
	"context"

	"go.uber.org/zap"
)

type contextKey struct{}

// WithFields returns a context carrying the given fields. Fields accumulate:
// a child context appends to whatever the parent already carries. The
// orchestrator uses this to stamp every log line of a run with the run ID.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	existing := ContextFields(ctx)
	merged := make([]zap.Field, 0, len(existing)+len(fields))
	merged = append(merged, existing...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, contextKey{}, merged)
}

// ContextFields returns the fields carried by ctx, or nil.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(contextKey{}).([]zap.Field)
	return fields
}
