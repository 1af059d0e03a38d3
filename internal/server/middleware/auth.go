package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/Ubiwhere/uw-api-keys/internal/model"
	"github.com/Ubiwhere/uw-api-keys/internal/service"
)

type contextKeyAuth string

const (
	// KeyPrincipalKey is the context key for the authenticated API key.
	KeyPrincipalKey contextKeyAuth = "key_principal"
	// AdminPrincipalKey is the context key for the authenticated admin.
	AdminPrincipalKey contextKeyAuth = "admin_principal"
)

// KeyAuthConfig controls where the raw API key is read from.
type KeyAuthConfig struct {
	// Header carrying the key. Defaults to X-API-Key.
	Header string
	// AllowQueryParam additionally accepts the key as a query parameter.
	// Off by default: keys in URLs leak into access logs and referrers.
	AllowQueryParam bool
	// QueryParam names the parameter when AllowQueryParam is set.
	// Defaults to api_key.
	QueryParam string
}

// ExtractKey pulls the raw key string from a request per the config.
// Returns "" when the request carries no key.
func (c KeyAuthConfig) ExtractKey(r *http.Request) string {
	header := c.Header
	if header == "" {
		header = "X-API-Key"
	}
	if raw := r.Header.Get(header); raw != "" {
		return raw
	}
	if c.AllowQueryParam {
		param := c.QueryParam
		if param == "" {
			param = "api_key"
		}
		return r.URL.Query().Get(param)
	}
	return ""
}

// KeyAuth returns an HTTP middleware that authenticates requests by API key.
// On success the key's principal is attached to the request context; every
// failure is a uniform 401 that does not say why the key was rejected.
func KeyAuth(authSvc *service.AuthService, cfg KeyAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := cfg.ExtractKey(r)
			if raw == "" {
				writeAuthError(w, http.StatusUnauthorized, "API key required")
				return
			}

			meta := service.Meta{
				Endpoint:  r.URL.Path,
				RequestID: GetRequestID(r.Context()),
			}
			principal, err := authSvc.Authenticate(r.Context(), raw, meta)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), KeyPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission returns an HTTP middleware that authorizes the current
// key principal for the operation implied by the request method on the
// resource type named by resourceFn. Must run after KeyAuth.
func RequirePermission(authSvc *service.AuthService, resourceFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetKeyPrincipal(r.Context())
			if principal == nil {
				writeAuthError(w, http.StatusUnauthorized, "API key required")
				return
			}

			op, ok := MethodOperation(r.Method)
			if !ok {
				writeAuthError(w, http.StatusMethodNotAllowed, "Unsupported method")
				return
			}

			meta := service.Meta{
				Endpoint:  r.URL.Path,
				RequestID: GetRequestID(r.Context()),
			}
			if err := authSvc.Authorize(r.Context(), principal, resourceFn(r), op, meta); err != nil {
				writeAuthError(w, http.StatusForbidden, "Insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminAuth returns an HTTP middleware that authenticates management-API
// requests via a JWT Bearer token.
func AdminAuth(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "Bearer token required")
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")

			principal, err := authSvc.ValidateJWT(r.Context(), token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), AdminPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MethodOperation maps an HTTP method to the CRUD operation it implies.
// The second return is false for methods outside the CRUD mapping.
func MethodOperation(method string) (model.Operation, bool) {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return model.OpRead, true
	case http.MethodPost:
		return model.OpCreate, true
	case http.MethodPut, http.MethodPatch:
		return model.OpUpdate, true
	case http.MethodDelete:
		return model.OpDelete, true
	default:
		return "", false
	}
}

// GetKeyPrincipal extracts the authenticated API key principal from the
// context. Returns nil for unauthenticated requests.
func GetKeyPrincipal(ctx context.Context) *service.Principal {
	if p, ok := ctx.Value(KeyPrincipalKey).(*service.Principal); ok {
		return p
	}
	return nil
}

// GetAdminPrincipal extracts the authenticated admin from the context.
func GetAdminPrincipal(ctx context.Context) *service.AdminPrincipal {
	if p, ok := ctx.Value(AdminPrincipalKey).(*service.AdminPrincipal); ok {
		return p
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Manually construct JSON to avoid import cycle with handler package
	w.Write([]byte(`{"error":{"code":` + httpStatusString(status) + `,"message":"` + message + `"}}`))
}

func httpStatusString(code int) string {
	switch code {
	case 401:
		return "401"
	case 403:
		return "403"
	case 405:
		return "405"
	default:
		return "500"
	}
}
