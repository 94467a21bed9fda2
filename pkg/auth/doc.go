// Package auth implements the gatekeeper's principal model and both token
// verification paths.
//
// # Principals
//
// A Principal is a sealed tagged union: User (end-user bearer token) or
// Service (internal service-to-service token). Exactly one verifier
// produces the principal for a request; it is never mutated afterwards.
//
// # End-user tokens
//
// UserTokenVerifier validates bearer JWTs against the identity provider's
// published key set. Keys are cached in a small expirable LRU
// (SigningKeyCache); verified results are cached by token hash with an
// expiry bounded to min(token exp, now+5m) so a revoked-by-expiry
// credential cannot be served stale for more than five minutes. Only
// asymmetric signing algorithms are accepted, which closes the
// key-confusion hole where an HMAC token is verified against a public key.
//
// # Service tokens
//
// ServiceTokenAuthority issues and verifies short-lived HS256 tokens. The
// shared secret comes from a secret store exactly once per process
// lifetime; rotation requires a restart.
//
// # Permissions
//
// PermissionEvaluator maps roles to fixed permission sets, deny by
// default. The builtin map can be replaced by a YAML policy file which is
// hot-reloaded on change; evaluation itself stays pure and synchronous.
package auth
