package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/loadline/gatekeeper/pkg/auth"
	"github.com/loadline/gatekeeper/pkg/contextkeys"
	"github.com/loadline/gatekeeper/pkg/httputil"
	"github.com/loadline/gatekeeper/pkg/observability"
)

// ServiceTokenHeader carries HS256 service-to-service tokens
const ServiceTokenHeader = "X-Service-Token"

// Authenticator is the dual-mode authentication middleware. Bearer tokens
// go to the user verifier, X-Service-Token to the service authority. When
// both headers are present the service token wins.
type Authenticator struct {
	users    *auth.UserTokenVerifier
	services *auth.ServiceTokenAuthority
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewAuthenticator creates the authentication middleware
func NewAuthenticator(users *auth.UserTokenVerifier, services *auth.ServiceTokenAuthority, logger *observability.Logger, metrics *observability.Metrics) *Authenticator {
	return &Authenticator{
		users:    users,
		services: services,
		logger:   logger,
		metrics:  metrics,
	}
}

// Handler wraps an HTTP handler with authentication. On success the
// principal is bound into the request context and the request logger is
// enriched with its identity.
func (m *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		principal, principalType, err := m.authenticate(r)
		if m.metrics != nil {
			result := "success"
			if err != nil {
				result = "failure"
			}
			m.metrics.AuthAttemptsTotal.WithLabelValues(principalType, result).Inc()
			m.metrics.AuthDuration.WithLabelValues(principalType).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			m.reject(w, r, err)
			return
		}

		ctx := contextkeys.WithPrincipal(r.Context(), principal)
		ctx = contextkeys.WithLogger(ctx, observability.GetLogger(ctx).WithFields(map[string]interface{}{
			"principal_type": principalType,
			"principal":      principal.Subject(),
		}))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Authenticator) authenticate(r *http.Request) (auth.Principal, string, error) {
	if serviceToken := r.Header.Get(ServiceTokenHeader); serviceToken != "" {
		p, err := m.services.Verify(r.Context(), serviceToken)
		return p, string(auth.PrincipalTypeService), err
	}

	raw, err := bearerToken(r)
	if err != nil {
		return nil, string(auth.PrincipalTypeUser), err
	}
	p, err := m.users.Verify(r.Context(), raw)
	return p, string(auth.PrincipalTypeUser), err
}

// reject maps verification errors onto the response taxonomy. Key and
// secret fetch failures are infrastructure faults and must surface as
// 5xx, never as a caller error.
func (m *Authenticator) reject(w http.ResponseWriter, r *http.Request, err error) {
	var keyErr *auth.KeyFetchError
	var secretErr *auth.SecretFetchError

	switch {
	case errors.As(err, &keyErr):
		m.logger.WithError(err).
			WithField("correlation_id", contextkeys.GetCorrelationID(r.Context())).
			Error("Signing key fetch failed")
		httputil.WriteErrorBody(w, r, http.StatusBadGateway,
			"Bad Gateway", "identity provider unavailable")
	case errors.As(err, &secretErr):
		m.logger.WithError(err).
			WithField("correlation_id", contextkeys.GetCorrelationID(r.Context())).
			Error("Service token secret fetch failed")
		httputil.WriteErrorBody(w, r, http.StatusServiceUnavailable,
			"Service Unavailable", "authentication temporarily unavailable")
	case errors.Is(err, auth.ErrMissingToken):
		httputil.WriteErrorBody(w, r, http.StatusUnauthorized,
			"Unauthorized", "authentication required")
	case errors.Is(err, auth.ErrTokenExpired):
		httputil.WriteErrorBody(w, r, http.StatusUnauthorized,
			"Unauthorized", "token expired")
	case errors.Is(err, auth.ErrTokenNotYetValid):
		httputil.WriteErrorBody(w, r, http.StatusForbidden,
			"Forbidden", "token not yet valid")
	case errors.Is(err, auth.ErrMalformedToken):
		httputil.WriteErrorBody(w, r, http.StatusForbidden,
			"Forbidden", "malformed token")
	default:
		httputil.WriteErrorBody(w, r, http.StatusForbidden,
			"Forbidden", "invalid token")
	}
}

// bearerToken extracts the token from "Authorization: Bearer <token>"
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", auth.ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", auth.ErrMalformedToken
	}
	return parts[1], nil
}

// PrincipalFromContext returns the authenticated principal, if any
func PrincipalFromContext(ctx context.Context) (auth.Principal, bool) {
	p, ok := contextkeys.GetPrincipal(ctx).(auth.Principal)
	return p, ok
}
