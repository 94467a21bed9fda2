package auth

import (
	"errors"
	"fmt"
)

// Client-class verification failures. The HTTP layer maps these to 401/403;
// they are terminal for the request but carry no infrastructure signal.
var (
	// ErrMissingToken means no credential was presented at all
	ErrMissingToken = errors.New("auth: no token presented")

	// ErrMalformedToken means the token envelope could not be parsed or
	// lacks a key identifier
	ErrMalformedToken = errors.New("auth: token is malformed")

	// ErrTokenExpired means exp has passed
	ErrTokenExpired = errors.New("auth: token has expired")

	// ErrTokenNotYetValid means iat lies in the future beyond the
	// clock-skew allowance
	ErrTokenNotYetValid = errors.New("auth: token is not yet valid")

	// ErrInvalidSignature covers bad signatures, unknown key identifiers
	// and disallowed signing algorithms
	ErrInvalidSignature = errors.New("auth: token signature is invalid")

	// ErrPermissionDenied is an authorization failure, not an
	// authentication one
	ErrPermissionDenied = errors.New("auth: permission denied")
)

// KeyFetchError is an infrastructure failure while fetching the signing
// key set. It must surface as a 5xx to the caller: an unverifiable token
// is never treated as valid.
type KeyFetchError struct {
	URL string
	Err error
}

func (e *KeyFetchError) Error() string {
	return fmt.Sprintf("auth: fetching signing keys from %s failed: %v", e.URL, e.Err)
}

func (e *KeyFetchError) Unwrap() error { return e.Err }

// SecretFetchError is an infrastructure failure fetching the shared
// service-token secret. Fatal on first use; there is no fallback secret.
type SecretFetchError struct {
	Ref string
	Err error
}

func (e *SecretFetchError) Error() string {
	return fmt.Sprintf("auth: fetching service secret %s failed: %v", e.Ref, e.Err)
}

func (e *SecretFetchError) Unwrap() error { return e.Err }

// IsInfrastructureError reports whether the verification failure came from
// an external dependency rather than the token itself
func IsInfrastructureError(err error) bool {
	var kf *KeyFetchError
	var sf *SecretFetchError
	return errors.As(err, &kf) || errors.As(err, &sf)
}
