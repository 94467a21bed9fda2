// Package observability provides the gatekeeper's logging, metrics, health
// and shutdown plumbing.
//
// The Logger wraps log/slog with chained field helpers and context
// enrichment: inside a request every line carries the correlation id and,
// once authentication has completed, the principal subject. The log level is
// held in a slog.LevelVar so a dynamic-configuration listener can change it
// at runtime without recreating the logger.
//
// Metrics exposes the prometheus families for the gatekeeper pipeline:
// authentication outcomes, rate-limit decisions split by serving backend,
// signing-key cache effectiveness and configuration refresh results.
//
// HealthChecker reports liveness and readiness, probing redis and any
// registered dependency probes (the configuration resolver registers one
// reporting its last successful refresh).
//
// ShutdownManager coordinates graceful teardown on SIGINT/SIGTERM with a
// bounded timeout; background loops register shutdown funcs here.
package observability
