// Package middleware implements the request gatekeeper chain: correlation
// tagging, rate limiting, authentication, and permission checks.
//
// # Chain Order
//
// The intended composition, outermost first:
//
//	correlation -> logging -> recovery -> ratelimit -> auth -> permission
//
// Correlation runs first so every later decision, including rejections,
// carries a correlation id. Rate limiting runs before authentication so
// credential-stuffing traffic is shed without paying for signature
// verification; it keys on the token's unverified subject, which is safe
// because the bucket choice grants nothing.
//
// # Example
//
//	chain := middleware.NewCorrelation(logger).Handler(
//		limiter.Handler(
//			authn.Handler(
//				middleware.RequirePermission(evaluator, "read:orders")(handler))))
package middleware
