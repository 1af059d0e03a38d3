package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/Ubiwhere/uw-api-keys/internal/model"
	"github.com/Ubiwhere/uw-api-keys/internal/scope"
	"github.com/Ubiwhere/uw-api-keys/internal/service"
	"github.com/Ubiwhere/uw-api-keys/internal/store"
	"github.com/Ubiwhere/uw-api-keys/internal/usagelog"
)

// SystemHandler implements the management API: admin sessions, key
// issuance and revocation, scope grants, and the usage log.
type SystemHandler struct {
	store    *store.Store
	authSvc  *service.AuthService
	registry *scope.Registry
	usage    *usagelog.Logger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(st *store.Store, authSvc *service.AuthService, registry *scope.Registry, usage *usagelog.Logger) *SystemHandler {
	return &SystemHandler{
		store:    st,
		authSvc:  authSvc,
		registry: registry,
		usage:    usage,
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"session_token"`
	TokenType string `json:"token_type"`
	AdminID   int64  `json:"admin_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
}

// Login authenticates an admin and returns a JWT session token.
// POST /api/v1/system/session
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	admin, token, err := h.authSvc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "bearer",
		AdminID:   admin.ID,
		Email:     admin.Email,
		Name:      admin.Name,
	})
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

type scopeGrant struct {
	ResourceType string   `json:"resource_type"`
	Operations   []string `json:"operations"`
}

type createKeyRequest struct {
	Owner     string       `json:"owner"`
	Label     string       `json:"label"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	Scopes    []scopeGrant `json:"scopes,omitempty"`
}

type keyResponse struct {
	Key    *model.APIKey `json:"key"`
	Scopes []model.Scope `json:"scopes"`
	// APIKey is the plaintext, present only in the create response. It is
	// never stored and cannot be retrieved again.
	APIKey string `json:"api_key,omitempty"`
}

// parseGrant validates one scope grant against the resource catalog.
func (h *SystemHandler) parseGrant(g scopeGrant) (model.OpSet, error) {
	if g.ResourceType == "" {
		return 0, errors.New("resource_type is required")
	}
	if !h.registry.IsRegistered(g.ResourceType) {
		return 0, errors.New("unknown resource type: " + g.ResourceType)
	}
	if len(g.Operations) == 0 {
		return 0, errors.New("operations must not be empty")
	}
	ops, err := model.ParseOpSet(g.Operations)
	if err != nil {
		return 0, err
	}
	for _, op := range ops.Operations() {
		if !h.registry.IsValidOperation(g.ResourceType, op) {
			return 0, errors.New("operation " + string(op) + " not supported on " + g.ResourceType)
		}
	}
	return ops, nil
}

// CreateKey issues a new API key, optionally with initial scopes. The
// plaintext key appears in this response and nowhere else.
// POST /api/v1/system/keys
func (h *SystemHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Owner == "" {
		writeError(w, http.StatusBadRequest, "Owner is required")
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		writeError(w, http.StatusBadRequest, "expires_at is in the past")
		return
	}

	// Validate all grants before issuing anything.
	grants := make(map[string]model.OpSet, len(req.Scopes))
	for _, g := range req.Scopes {
		ops, err := h.parseGrant(g)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		grants[g.ResourceType] = grants[g.ResourceType].Union(ops)
	}

	// Key and grants are written in one transaction; a failure leaves
	// nothing behind, never a scope-less key.
	key, plaintext, err := h.authSvc.IssueKey(r.Context(), req.Owner, req.Label, req.ExpiresAt, grants)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create key: "+err.Error())
		return
	}

	scopes, err := h.store.GetScopes(r.Context(), key.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scopes: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, keyResponse{
		Key:    key,
		Scopes: scopes,
		APIKey: plaintext,
	})
}

// ListKeys returns all keys with their scopes. Plaintext and hashes are
// never included.
// GET /api/v1/system/keys
func (h *SystemHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list keys: "+err.Error())
		return
	}

	out := make([]keyResponse, 0, len(keys))
	for i := range keys {
		scopes, err := h.store.GetScopes(r.Context(), keys[i].ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load scopes: "+err.Error())
			return
		}
		out = append(out, keyResponse{Key: &keys[i], Scopes: scopes})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys": out,
		"meta": model.ListMeta{Count: len(out), Total: int64(len(out))},
	})
}

// GetKey returns one key by its public identifier.
// GET /api/v1/system/keys/{identifier}
func (h *SystemHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")

	key, err := h.store.GetAPIKeyByIdentifier(r.Context(), identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Key not found: "+identifier)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get key: "+err.Error())
		return
	}

	scopes, err := h.store.GetScopes(r.Context(), key.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scopes: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, keyResponse{Key: key, Scopes: scopes})
}

// RevokeKey deactivates a key. Revocation is permanent and idempotent;
// the key's usage history is left untouched.
// DELETE /api/v1/system/keys/{identifier}
func (h *SystemHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")

	key, err := h.store.GetAPIKeyByIdentifier(r.Context(), identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Key not found: "+identifier)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get key: "+err.Error())
		return
	}

	if err := h.store.DeactivateAPIKey(r.Context(), key.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to revoke key: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"identifier": identifier,
	})
}

// GrantScope adds operations on a resource type to a key. Repeated grants
// merge into the existing scope row.
// POST /api/v1/system/keys/{identifier}/scopes
func (h *SystemHandler) GrantScope(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")

	var req scopeGrant
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	ops, err := h.parseGrant(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, err := h.store.GetAPIKeyByIdentifier(r.Context(), identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Key not found: "+identifier)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get key: "+err.Error())
		return
	}

	if err := h.store.GrantScope(r.Context(), key.ID, req.ResourceType, ops); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to grant scope: "+err.Error())
		return
	}

	scopes, err := h.store.GetScopes(r.Context(), key.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scopes: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key, Scopes: scopes})
}

// RevokeScope removes operations on a resource type from a key. With no
// operations parameter the whole resource grant is removed.
// DELETE /api/v1/system/keys/{identifier}/scopes/{resourceType}?operations=read,update
func (h *SystemHandler) RevokeScope(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	resourceType := chi.URLParam(r, "resourceType")

	ops := model.OpSetAll
	if raw := queryString(r, "operations"); raw != "" {
		parsed, err := model.ParseOpSet(strings.Split(raw, ","))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ops = parsed
	}

	key, err := h.store.GetAPIKeyByIdentifier(r.Context(), identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Key not found: "+identifier)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get key: "+err.Error())
		return
	}

	if err := h.store.RevokeScope(r.Context(), key.ID, resourceType, ops); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "No such scope on key: "+resourceType)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to revoke scope: "+err.Error())
		return
	}

	scopes, err := h.store.GetScopes(r.Context(), key.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scopes: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key, Scopes: scopes})
}

// ---------------------------------------------------------------------------
// Usage log
// ---------------------------------------------------------------------------

// ListUsage returns usage events, newest first, with optional filters.
// GET /api/v1/system/usage?key=...&resource_type=...&outcome=...&since=...&limit=...&offset=...
func (h *SystemHandler) ListUsage(w http.ResponseWriter, r *http.Request) {
	filter := model.UsageFilter{
		KeyIdentifier: queryString(r, "key"),
		ResourceType:  queryString(r, "resource_type"),
		Outcome:       model.Outcome(queryString(r, "outcome")),
		Limit:         clampInt(queryInt(r, "limit", 50), 1, 500),
		Offset:        queryInt(r, "offset", 0),
	}
	if since := queryString(r, "since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp: "+err.Error())
			return
		}
		filter.Since = t
	}

	events, err := h.store.ListUsage(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list usage: "+err.Error())
		return
	}
	total, err := h.store.CountUsage(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count usage: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"usage": events,
		"meta": model.ListMeta{
			Count:  len(events),
			Total:  total,
			Limit:  filter.Limit,
			Offset: filter.Offset,
		},
	})
}

// PruneUsage deletes usage events older than the given number of days.
// DELETE /api/v1/system/usage?older_than_days=90
func (h *SystemHandler) PruneUsage(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "older_than_days", 0)
	if days <= 0 {
		writeError(w, http.StatusBadRequest, "older_than_days must be a positive integer")
		return
	}

	before := time.Now().AddDate(0, 0, -days)
	deleted, err := h.store.PruneUsage(r.Context(), before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to prune usage: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": deleted,
		"before":  before,
	})
}

// UsageStats exposes the async logger's lifetime counters.
// GET /api/v1/system/usage/stats
func (h *SystemHandler) UsageStats(w http.ResponseWriter, r *http.Request) {
	stats := h.usage.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enqueued": stats.Enqueued,
		"dropped":  stats.Dropped,
		"failed":   stats.Failed,
	})
}

// ---------------------------------------------------------------------------
// Resource catalog
// ---------------------------------------------------------------------------

// ListResources returns the registered resource types and the operations
// each one supports.
// GET /api/v1/system/resources
func (h *SystemHandler) ListResources(w http.ResponseWriter, r *http.Request) {
	entries := h.registry.Entries()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resources": entries,
		"meta":      model.ListMeta{Count: len(entries), Total: int64(len(entries))},
	})
}

// ---------------------------------------------------------------------------
// Admins
// ---------------------------------------------------------------------------

type createAdminRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// CreateAdmin registers a new management-API user.
// POST /api/v1/system/admins
func (h *SystemHandler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var req createAdminRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	if _, err := h.store.GetAdminByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusConflict, "Admin already exists: "+req.Email)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password: "+err.Error())
		return
	}

	admin := &model.Admin{
		Email:        req.Email,
		PasswordHash: string(hash),
		Name:         req.Name,
		IsActive:     true,
	}
	if err := h.store.CreateAdmin(r.Context(), admin); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create admin: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, admin)
}

// ListAdmins returns all management-API users.
// GET /api/v1/system/admins
func (h *SystemHandler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.store.ListAdmins(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list admins: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"admins": admins,
		"meta":   model.ListMeta{Count: len(admins), Total: int64(len(admins))},
	})
}
