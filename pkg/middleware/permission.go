package middleware

import (
	"fmt"
	"net/http"

	"github.com/loadline/gatekeeper/pkg/auth"
	"github.com/loadline/gatekeeper/pkg/httputil"
)

// RequirePermission gates a handler on one permission. It must run inside
// the authentication middleware; a request with no principal in context is
// rejected outright.
func RequirePermission(evaluator *auth.PermissionEvaluator, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				httputil.WriteErrorBody(w, r, http.StatusUnauthorized,
					"Unauthorized", "authentication required")
				return
			}
			if !evaluator.HasPermission(principal, permission) {
				httputil.WriteErrorBody(w, r, http.StatusForbidden,
					"Forbidden", fmt.Sprintf("missing permission %s", permission))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
