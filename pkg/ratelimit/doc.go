// Package ratelimit implements tiered fixed-window rate limiting.
//
// Counters live in a distributed store (redis) shared by every instance,
// so the enforced bound is cluster-wide. When the distributed store is
// unavailable the limiter degrades to an in-process store with identical
// window semantics; the bound weakens to per-instance, which is a
// documented consistency relaxation, not a bug. Every decision records the
// backend that served it because operators need to know which of the two
// bounds currently applies.
//
// Thresholds resolve through the dynamic configuration chain: an
// endpoint-specific override, then a principal-tier default, then the
// global default of 100 requests per 15 minutes.
package ratelimit
