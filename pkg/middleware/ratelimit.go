package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loadline/gatekeeper/pkg/auth"
	"github.com/loadline/gatekeeper/pkg/httputil"
	"github.com/loadline/gatekeeper/pkg/ratelimit"
)

// RateLimit admits or rejects requests before authentication runs.
// Bucketing uses the token's unverified subject so a flood of forged
// tokens fills one bucket instead of forcing signature checks; the parse
// grants nothing, the request is still fully verified downstream.
type RateLimit struct {
	limiter *ratelimit.Limiter
}

// NewRateLimit creates the rate limiting middleware
func NewRateLimit(limiter *ratelimit.Limiter) *RateLimit {
	return &RateLimit{limiter: limiter}
}

// Handler wraps an HTTP handler with admission control. Every response,
// allowed or not, carries the X-RateLimit-* headers.
func (m *RateLimit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := m.limiter.Admit(r.Context(), bucketPrincipal(r), r.URL.Path, sourceIP(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", decision.ResetAt.UTC().Format(time.RFC3339))

		if !decision.Allowed {
			httputil.WriteRateLimited(w, r, decision.RetryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bucketPrincipal derives an identity for bucketing only. Requests whose
// token does not even parse bucket as anonymous by source IP.
func bucketPrincipal(r *http.Request) auth.Principal {
	if serviceToken := r.Header.Get(ServiceTokenHeader); serviceToken != "" {
		if svc, ok := auth.UnverifiedServiceName(serviceToken); ok {
			return svc
		}
		return nil
	}
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil
	}
	if user, ok := auth.UnverifiedSubject(parts[1]); ok {
		return user
	}
	return nil
}

// sourceIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address
func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
