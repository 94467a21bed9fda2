// Package config holds gatekeeper configuration in two layers.
//
// The static layer (Config, LoadConfig) is read once from the environment
// at startup: server addresses, redis connection, AWS settings, token
// issuer/audience. It never changes for the process lifetime.
//
// The dynamic layer (Resolver) serves keys that operators change at
// runtime: log level, feature flags, rate-limit thresholds, timeouts. The
// resolver polls a scope-queryable store every 30 seconds in the
// background, swaps an immutable snapshot on success and keeps the
// last-known-good snapshot on failure. Get never performs I/O and never
// fails; resolution walks service scope, then global scope, then the
// process environment, then the caller-supplied fallback.
//
// Change listeners subscribe to well-known keys and run synchronously
// after each successful refresh that changed the key's resolved value. A
// panicking listener is isolated so the remaining listeners still run.
package config
