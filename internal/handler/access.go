package handler

import (
	"net/http"

	"github.com/Ubiwhere/uw-api-keys/internal/model"
	"github.com/Ubiwhere/uw-api-keys/internal/server/middleware"
	"github.com/Ubiwhere/uw-api-keys/internal/service"
)

// AccessHandler serves the data-plane endpoints: key verification,
// principal introspection, and the forward-auth gate.
type AccessHandler struct {
	authSvc *service.AuthService
}

// NewAccessHandler creates a new AccessHandler.
func NewAccessHandler(authSvc *service.AuthService) *AccessHandler {
	return &AccessHandler{authSvc: authSvc}
}

type verifyRequest struct {
	Key          string `json:"key"`
	ResourceType string `json:"resource_type,omitempty"`
	Operation    string `json:"operation,omitempty"`
}

type verifyResponse struct {
	Valid     bool               `json:"valid"`
	Allowed   *bool              `json:"allowed,omitempty"`
	Principal *service.Principal `json:"principal,omitempty"`
}

// Verify checks a key and, optionally, one permission in a single call.
// The response never says why a key was rejected.
// POST /api/v1/verify
func (h *AccessHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "Key is required")
		return
	}
	if req.Operation != "" && req.ResourceType == "" {
		writeError(w, http.StatusBadRequest, "operation requires resource_type")
		return
	}

	var op model.Operation
	if req.Operation != "" {
		parsed, err := model.ParseOperation(req.Operation)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		op = parsed
	}

	meta := service.Meta{
		Endpoint:  r.URL.Path,
		RequestID: middleware.GetRequestID(r.Context()),
	}
	principal, err := h.authSvc.Authenticate(r.Context(), req.Key, meta)
	if err != nil {
		writeJSON(w, http.StatusOK, verifyResponse{Valid: false})
		return
	}

	resp := verifyResponse{Valid: true, Principal: principal}
	if req.ResourceType != "" && op != "" {
		allowed := h.authSvc.Authorize(r.Context(), principal, req.ResourceType, op, meta) == nil
		resp.Allowed = &allowed
	} else {
		// No permission asked for; still leave a usage event for the
		// accepted authentication.
		h.authSvc.RecordAuthenticated(principal, meta)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Principal returns the identity and scopes of the calling key. Requires
// key authentication middleware.
// GET /api/v1/principal
func (h *AccessHandler) Principal(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetKeyPrincipal(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "API key required")
		return
	}
	h.authSvc.RecordAuthenticated(principal, service.Meta{
		Endpoint:  r.URL.Path,
		RequestID: middleware.GetRequestID(r.Context()),
	})
	writeJSON(w, http.StatusOK, principal)
}

// Gate is the forward-auth endpoint: authentication and authorization run
// in the middleware chain, so reaching the handler means the request is
// allowed. The key's identity goes back in response headers for the proxy
// to forward upstream.
// ANY /api/v1/gate/{resourceType}
func (h *AccessHandler) Gate(w http.ResponseWriter, r *http.Request) {
	principal := middleware.GetKeyPrincipal(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "API key required")
		return
	}
	w.Header().Set("X-Key-Identifier", principal.Identifier)
	w.Header().Set("X-Key-Owner", principal.Owner)
	w.WriteHeader(http.StatusNoContent)
}
