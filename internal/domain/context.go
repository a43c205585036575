package domain

import "context"

type ctxKey string

const operationCtxKey ctxKey = "operation_id"

// ContextWithOperationID returns a new context carrying the operation ID (ULID).
func ContextWithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationCtxKey, id)
}

// OperationIDFromContext extracts the operation ID from the context.
// Returns empty string if not set.
func OperationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(operationCtxKey).(string); ok {
		return v
	}
	return ""
}
