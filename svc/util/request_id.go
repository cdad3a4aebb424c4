package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	callerIDKey  contextKey = "caller_id"
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the ID attached by the request middleware, or "" when
// the context never passed through it.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
func NewRequestID() string {
	return uuid.New().String()
}

// SetCallerID attaches the authenticated user ID resolved for the request.
func SetCallerID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, callerIDKey, userID)
}

// GetCallerID returns nil for anonymous callers.
func GetCallerID(ctx context.Context) *int64 {
	if id, ok := ctx.Value(callerIDKey).(int64); ok {
		return &id
	}
	return nil
}
