// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the gatekeeper must be defined
// here. This prevents typos, documents dependencies, and makes key usage
// discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/loadline/gatekeeper/pkg/contextkeys"
//	ctx = contextkeys.WithCorrelationID(ctx, cid)
//	cid := contextkeys.GetCorrelationID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// CorrelationIDKey contains the per-request correlation id string
	// Set by: middleware.Correlation (pkg/middleware/correlation.go)
	// Used by: Logger, every error envelope, rate-limit rejection bodies
	// Type: string
	CorrelationIDKey Key = "correlation_id"

	// PrincipalKey contains the authenticated principal
	// Set by: middleware.Auth after successful verification
	// Required by: permission middleware, business handlers
	// Type: auth.Principal
	PrincipalKey Key = "principal"

	// LoggerKey contains the request-scoped structured logger
	// Set by: middleware.Correlation (already enriched with the id)
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithCorrelationID adds the correlation id to the context
func WithCorrelationID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, cid)
}

// GetCorrelationID retrieves the correlation id from context
func GetCorrelationID(ctx context.Context) string {
	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return cid
	}
	return ""
}

// WithPrincipal adds the authenticated principal to the context
func WithPrincipal(ctx context.Context, principal interface{}) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// GetPrincipal retrieves the principal from context. Callers assert the
// concrete auth.Principal type.
func GetPrincipal(ctx context.Context) interface{} {
	return ctx.Value(PrincipalKey)
}

// WithLogger adds the request-scoped logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}
