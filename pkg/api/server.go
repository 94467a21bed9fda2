// Package api assembles the gatekeeper HTTP surface: the public auth
// endpoints, the protected routes behind the middleware chain, and the
// internal service-token endpoint.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/loadline/gatekeeper/pkg/auth"
	"github.com/loadline/gatekeeper/pkg/httputil"
	"github.com/loadline/gatekeeper/pkg/middleware"
	"github.com/loadline/gatekeeper/pkg/observability"
	"github.com/loadline/gatekeeper/pkg/ratelimit"
)

// Server holds the handler dependencies and builds the router
type Server struct {
	verifier  *auth.UserTokenVerifier
	authority *auth.ServiceTokenAuthority
	evaluator *auth.PermissionEvaluator
	limiter   *ratelimit.Limiter
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewServer creates the API server. All dependencies are required except
// metrics, which may be nil in tests.
func NewServer(verifier *auth.UserTokenVerifier, authority *auth.ServiceTokenAuthority, evaluator *auth.PermissionEvaluator, limiter *ratelimit.Limiter, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		verifier:  verifier,
		authority: authority,
		evaluator: evaluator,
		limiter:   limiter,
		logger:    logger,
		metrics:   metrics,
	}
}

// Router builds the full middleware chain and route table. Correlation
// runs outermost so even rate-limit rejections carry an id; rate limiting
// runs before authentication on every route.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	if s.metrics != nil {
		// Inside the router so the path label is the route template
		r.Use(mux.MiddlewareFunc(s.metrics.InstrumentHandler))
	}

	// Public routes: rate limited but not authenticated
	r.HandleFunc("/auth/login", s.login).Methods("POST")
	r.HandleFunc("/auth/register", s.register).Methods("POST")
	r.HandleFunc("/auth/password-reset", s.passwordReset).Methods("POST")

	// Protected routes
	protected := r.PathPrefix("/v1").Subrouter()
	protected.Use(mux.MiddlewareFunc(middleware.NewAuthenticator(s.verifier, s.authority, s.logger, s.metrics).Handler))
	protected.Handle("/orders",
		middleware.RequirePermission(s.evaluator, "read:orders")(http.HandlerFunc(s.listOrders))).Methods("GET")
	protected.Handle("/orders/{id}/delivery-status",
		middleware.RequirePermission(s.evaluator, "update:delivery-status")(http.HandlerFunc(s.updateDeliveryStatus))).Methods("PUT")
	protected.Handle("/users",
		middleware.RequirePermission(s.evaluator, "manage:users")(http.HandlerFunc(s.createUser))).Methods("POST")
	protected.Handle("/me", http.HandlerFunc(s.whoami)).Methods("GET")

	// Internal routes: service authentication required
	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(mux.MiddlewareFunc(middleware.NewAuthenticator(s.verifier, s.authority, s.logger, s.metrics).Handler))
	internal.Handle("/service-token",
		middleware.RequirePermission(s.evaluator, "issue:service-tokens")(http.HandlerFunc(s.issueServiceToken))).Methods("POST")

	// Outer chain, innermost listed first. Recovery sits inside logging
	// so a panicked request still gets its log line, and both sit inside
	// correlation so every line carries an id.
	var handler http.Handler = r
	handler = middleware.NewRateLimit(s.limiter).Handler(handler)
	handler = httputil.RecoveryMiddleware(s.logger)(handler)
	handler = httputil.LoggingMiddleware(s.logger)(handler)
	handler = middleware.NewCorrelation(s.logger).Handler(handler)
	return handler
}
