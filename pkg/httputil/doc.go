// Package httputil provides HTTP utilities for standardized request/response
// handling.
//
// # Overview
//
// This package offers the error envelope every gatekeeper rejection uses,
// JSON encoding/decoding helpers, and the logging and recovery middleware
// wired around the router.
//
// # Error Envelope
//
// Every non-2xx response carries the same JSON body:
//
//	{
//	  "error": "Forbidden",
//	  "message": "missing permission manage:users",
//	  "correlationId": "cid-1712345678901-k3j9x2m4q",
//	  "timestamp": "2026-08-31T12:00:00Z"
//	}
//
// Rate-limited responses additionally carry "retryAfter" in seconds.
// The correlation id comes from the request context, so callers can quote
// it when reporting a failure.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteErrorBody(w, r, http.StatusForbidden, "Forbidden", "missing permission manage:users")
//	httputil.WriteRateLimited(w, r, decision)
//
// # Related Packages
//
//   - pkg/middleware: correlation, authentication, rate limiting, and
//     permission middleware
package httputil
