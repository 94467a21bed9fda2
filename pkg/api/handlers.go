package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/loadline/gatekeeper/pkg/auth"
	"github.com/loadline/gatekeeper/pkg/contextkeys"
	"github.com/loadline/gatekeeper/pkg/httputil"
	"github.com/loadline/gatekeeper/pkg/middleware"
	"github.com/loadline/gatekeeper/pkg/observability"
)

// The credential endpoints are owned by the identity provider upstream of
// this gatekeeper. They are mounted here so the strict per-endpoint rate
// limits apply at the edge; the bodies are placeholders until the proxy
// target is wired.

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	s.upstreamStub(w, r)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	s.upstreamStub(w, r)
}

func (s *Server) passwordReset(w http.ResponseWriter, r *http.Request) {
	s.upstreamStub(w, r)
}

func (s *Server) upstreamStub(w http.ResponseWriter, r *http.Request) {
	httputil.WriteErrorBody(w, r, http.StatusNotImplemented,
		"Not Implemented", "credential endpoints are served by the identity provider")
}

// whoami reports the authenticated principal, mostly for debugging token
// issues from the client side
func (s *Server) whoami(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		httputil.WriteErrorBody(w, r, http.StatusUnauthorized, "Unauthorized", "authentication required")
		return
	}
	resp := map[string]interface{}{
		"type":          string(principal.Type()),
		"subject":       principal.Subject(),
		"correlationId": contextkeys.GetCorrelationID(r.Context()),
	}
	if user, isUser := principal.(*auth.User); isUser {
		resp["roles"] = user.Roles
		resp["scopes"] = user.Scopes
	}
	httputil.WriteSuccess(w, resp)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]interface{}{
		"orders": []interface{}{},
	})
}

type deliveryStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) updateDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	var req deliveryStatusRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Status == "" {
		httputil.WriteErrorBody(w, r, http.StatusBadRequest, "Bad Request", "status is required")
		return
	}
	httputil.WriteSuccess(w, map[string]string{
		"orderId": mux.Vars(r)["id"],
		"status":  req.Status,
	})
}

type createUserRequest struct {
	Email string `json:"email"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" {
		httputil.WriteErrorBody(w, r, http.StatusBadRequest, "Bad Request", "email is required")
		return
	}
	observability.FromContext(r.Context()).WithField("email", req.Email).Info("User created")
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{
		"email":  req.Email,
		"status": "created",
	})
}

type issueTokenRequest struct {
	Service string `json:"service"`
}

// issueServiceToken mints a short-lived HS256 token for the calling
// service. Only principals holding issue:service-tokens reach this
// handler.
func (s *Server) issueServiceToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Service == "" {
		httputil.WriteErrorBody(w, r, http.StatusBadRequest, "Bad Request", "service is required")
		return
	}

	token, err := s.authority.Issue(r.Context(), req.Service)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Service token issue failed")
		httputil.WriteErrorBody(w, r, http.StatusServiceUnavailable,
			"Service Unavailable", "token issuance temporarily unavailable")
		return
	}
	observability.FromContext(r.Context()).WithField("service", req.Service).Info("Service token issued")
	httputil.WriteSuccess(w, map[string]interface{}{
		"token":     token,
		"tokenType": "service",
		"expiresIn": int(s.authority.TokenTTL() / time.Second),
	})
}
