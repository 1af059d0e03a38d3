package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/Ubiwhere/uw-api-keys/internal/keycodec"
	"github.com/Ubiwhere/uw-api-keys/internal/model"
	"github.com/Ubiwhere/uw-api-keys/internal/scope"
	"github.com/Ubiwhere/uw-api-keys/internal/service"
	"github.com/Ubiwhere/uw-api-keys/internal/store"
	"github.com/Ubiwhere/uw-api-keys/internal/usagelog"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret = "test-secret-for-jwt-integration-tests"
	testPassword  = "supersecretpassword"
)

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server  *Server
	store   *store.Store
	authSvc *service.AuthService
	usage   *usagelog.Logger
}

// newTestEnv creates a fresh environment: in-memory store, a two-entry
// resource catalog, and a fully wired Server.
func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvCfg(t, DefaultConfig())
}

func newTestEnvCfg(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	st, err := store.New("") // in-memory SQLite
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	codec, err := keycodec.New("test", 32)
	if err != nil {
		t.Fatalf("keycodec.New: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	usage := usagelog.New(usagelog.Config{Enabled: true, BufferSize: 256}, st, logger)
	usage.Start()

	authSvc := service.NewAuthService(st, codec, usage, logger, service.Options{
		JWTSecret: testJWTSecret,
	})

	registry := scope.NewRegistry()
	registry.Register("sensor", model.OpSetAll)
	registry.Register("report", model.OpSet(0).With(model.OpRead))

	srv := New(cfg, st, authSvc, registry, usage, logger)

	return &testEnv{
		server:  srv,
		store:   st,
		authSvc: authSvc,
		usage:   usage,
	}
}

// seedAdmin creates a default admin account and returns it.
func (e *testEnv) seedAdmin(t *testing.T) *model.Admin {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	admin := &model.Admin{
		Email:        "admin@example.com",
		PasswordHash: string(hash),
		Name:         "Test Admin",
		IsActive:     true,
	}
	if err := e.store.CreateAdmin(context.Background(), admin); err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
	return admin
}

// adminToken logs in as the default admin and returns the JWT.
func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": testPassword,
	})
	rr := e.do(t, "POST", "/api/v1/system/session", body, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token string `json:"session_token"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("adminToken: got empty token from login")
	}
	return resp.Token
}

// createKey issues a key through the management API and returns its public
// identifier plus the one-time plaintext.
func (e *testEnv) createKey(t *testing.T, token string, scopes []map[string]interface{}) (string, string) {
	t.Helper()
	body := jsonBody(t, map[string]interface{}{
		"owner":  "svc-test",
		"label":  "integration",
		"scopes": scopes,
	})
	rr := e.doAuth(t, "POST", "/api/v1/system/keys", body, token)
	assertStatus(t, rr, http.StatusCreated)

	var resp struct {
		Key struct {
			Identifier string `json:"identifier"`
		} `json:"key"`
		APIKey string `json:"api_key"`
	}
	decodeJSON(t, rr, &resp)
	if resp.APIKey == "" {
		t.Fatal("createKey: plaintext missing from create response")
	}
	return resp.Key.Identifier, resp.APIKey
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

func (e *testEnv) doAPIKey(t *testing.T, method, path string, body io.Reader, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"X-API-Key": apiKey,
	})
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Health and spec
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)
}

func TestOpenAPISpec(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/openapi.json", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var doc struct {
		OpenAPI string                 `json:"openapi"`
		Paths   map[string]interface{} `json:"paths"`
		Servers []interface{}          `json:"servers"`
	}
	decodeJSON(t, rr, &doc)
	if !strings.HasPrefix(doc.OpenAPI, "3.") {
		t.Errorf("openapi version = %q", doc.OpenAPI)
	}
	// Without a configured base URL the document carries no servers block.
	if len(doc.Servers) != 0 {
		t.Errorf("unexpected servers block: %+v", doc.Servers)
	}
	for _, p := range []string{"/api/v1/verify", "/api/v1/principal", "/api/v1/gate/sensor", "/api/v1/gate/report", "/api/v1/system/keys"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Errorf("spec missing path %s", p)
		}
	}
}

func TestOpenAPISpecWithBaseURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "https://keys.example.com"
	env := newTestEnvCfg(t, cfg)

	rr := env.do(t, "GET", "/openapi.json", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var doc struct {
		Servers []struct {
			URL string `json:"url"`
		} `json:"servers"`
	}
	decodeJSON(t, rr, &doc)
	if len(doc.Servers) != 1 || doc.Servers[0].URL != "https://keys.example.com" {
		t.Errorf("servers = %+v, want the configured base URL", doc.Servers)
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func TestAdminLogin(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	token := env.adminToken(t)
	if token == "" {
		t.Fatal("expected a session token")
	}

	body := jsonBody(t, map[string]string{"email": "admin@example.com", "password": "wrong"})
	rr := env.do(t, "POST", "/api/v1/system/session", body, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestLoginRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoginRatePerMin = 2
	env := newTestEnvCfg(t, cfg)
	env.seedAdmin(t)

	body := func() *bytes.Buffer {
		return jsonBody(t, map[string]string{"email": "admin@example.com", "password": "wrong"})
	}
	env.do(t, "POST", "/api/v1/system/session", body(), nil)
	env.do(t, "POST", "/api/v1/system/session", body(), nil)

	rr := env.do(t, "POST", "/api/v1/system/session", body(), nil)
	assertStatus(t, rr, http.StatusTooManyRequests)
}

func TestSystemRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/v1/system/keys", "/api/v1/system/usage", "/api/v1/system/admins"} {
		rr := env.do(t, "GET", path, nil, nil)
		assertStatus(t, rr, http.StatusUnauthorized)
	}
}

// ---------------------------------------------------------------------------
// Key lifecycle
// ---------------------------------------------------------------------------

func TestKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	identifier, plaintext := env.createKey(t, token, []map[string]interface{}{
		{"resource_type": "sensor", "operations": []string{"read", "create"}},
	})
	if !strings.HasPrefix(plaintext, "test_") {
		t.Errorf("plaintext %q should carry the configured prefix", plaintext)
	}

	// The key authenticates and the granted operations pass the gate.
	rr := env.doAPIKey(t, "GET", "/api/v1/gate/sensor", nil, plaintext)
	assertStatus(t, rr, http.StatusNoContent)
	if got := rr.Header().Get("X-Key-Identifier"); got != identifier {
		t.Errorf("X-Key-Identifier = %q, want %q", got, identifier)
	}
	rr = env.doAPIKey(t, "POST", "/api/v1/gate/sensor", nil, plaintext)
	assertStatus(t, rr, http.StatusNoContent)

	// Ungranted operations are forbidden, not unauthorized.
	rr = env.doAPIKey(t, "DELETE", "/api/v1/gate/sensor", nil, plaintext)
	assertStatus(t, rr, http.StatusForbidden)
	rr = env.doAPIKey(t, "GET", "/api/v1/gate/report", nil, plaintext)
	assertStatus(t, rr, http.StatusForbidden)

	// Revoke, then the same key is uniformly unauthorized.
	rr = env.doAuth(t, "DELETE", "/api/v1/system/keys/"+identifier, nil, token)
	assertStatus(t, rr, http.StatusOK)
	rr = env.doAPIKey(t, "GET", "/api/v1/gate/sensor", nil, plaintext)
	assertStatus(t, rr, http.StatusUnauthorized)

	// Revocation is permanent and shows up in the listing.
	var list struct {
		Keys []struct {
			Key struct {
				Identifier string `json:"identifier"`
				IsActive   bool   `json:"is_active"`
			} `json:"key"`
		} `json:"keys"`
	}
	rr = env.doAuth(t, "GET", "/api/v1/system/keys", nil, token)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &list)
	found := false
	for _, k := range list.Keys {
		if k.Key.Identifier == identifier {
			found = true
			if k.Key.IsActive {
				t.Error("revoked key still listed as active")
			}
		}
	}
	if !found {
		t.Errorf("key %s missing from listing", identifier)
	}
}

func TestCreateKeyValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing owner", map[string]interface{}{"label": "x"}},
		{"unknown resource", map[string]interface{}{
			"owner":  "o",
			"scopes": []map[string]interface{}{{"resource_type": "nope", "operations": []string{"read"}}},
		}},
		{"unsupported operation", map[string]interface{}{
			"owner":  "o",
			"scopes": []map[string]interface{}{{"resource_type": "report", "operations": []string{"create"}}},
		}},
		{"empty operations", map[string]interface{}{
			"owner":  "o",
			"scopes": []map[string]interface{}{{"resource_type": "sensor", "operations": []string{}}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.doAuth(t, "POST", "/api/v1/system/keys", jsonBody(t, tc.body), token)
			assertStatus(t, rr, http.StatusBadRequest)
		})
	}
}

func TestScopeGrantRevoke(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	identifier, plaintext := env.createKey(t, token, nil)

	// Zero scopes means every gate check denies.
	rr := env.doAPIKey(t, "GET", "/api/v1/gate/sensor", nil, plaintext)
	assertStatus(t, rr, http.StatusForbidden)

	// Grant read+update on sensor.
	body := jsonBody(t, map[string]interface{}{
		"resource_type": "sensor",
		"operations":    []string{"read", "update"},
	})
	rr = env.doAuth(t, "POST", "/api/v1/system/keys/"+identifier+"/scopes", body, token)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAPIKey(t, "GET", "/api/v1/gate/sensor", nil, plaintext)
	assertStatus(t, rr, http.StatusNoContent)
	rr = env.doAPIKey(t, "PUT", "/api/v1/gate/sensor", nil, plaintext)
	assertStatus(t, rr, http.StatusNoContent)

	// Partial revoke keeps the rest of the grant.
	rr = env.doAuth(t, "DELETE", "/api/v1/system/keys/"+identifier+"/scopes/sensor?operations=update", nil, token)
	assertStatus(t, rr, http.StatusOK)
	rr = env.doAPIKey(t, "PUT", "/api/v1/gate/sensor", nil, plaintext)
	assertStatus(t, rr, http.StatusForbidden)
	rr = env.doAPIKey(t, "GET", "/api/v1/gate/sensor", nil, plaintext)
	assertStatus(t, rr, http.StatusNoContent)

	// Full revoke drops the grant entirely.
	rr = env.doAuth(t, "DELETE", "/api/v1/system/keys/"+identifier+"/scopes/sensor", nil, token)
	assertStatus(t, rr, http.StatusOK)
	rr = env.doAPIKey(t, "GET", "/api/v1/gate/sensor", nil, plaintext)
	assertStatus(t, rr, http.StatusForbidden)
}

// ---------------------------------------------------------------------------
// Verification endpoints
// ---------------------------------------------------------------------------

func TestVerifyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)
	_, plaintext := env.createKey(t, token, []map[string]interface{}{
		{"resource_type": "report", "operations": []string{"read"}},
	})

	// Valid key, permitted operation.
	rr := env.do(t, "POST", "/api/v1/verify", jsonBody(t, map[string]string{
		"key": plaintext, "resource_type": "report", "operation": "read",
	}), nil)
	assertStatus(t, rr, http.StatusOK)
	var resp struct {
		Valid     bool  `json:"valid"`
		Allowed   *bool `json:"allowed"`
		Principal *struct {
			Owner string `json:"owner"`
		} `json:"principal"`
	}
	decodeJSON(t, rr, &resp)
	if !resp.Valid || resp.Allowed == nil || !*resp.Allowed {
		t.Errorf("expected valid+allowed, got %+v", resp)
	}
	if resp.Principal == nil || resp.Principal.Owner != "svc-test" {
		t.Errorf("principal missing or wrong: %+v", resp.Principal)
	}

	// Valid key, denied operation.
	rr = env.do(t, "POST", "/api/v1/verify", jsonBody(t, map[string]string{
		"key": plaintext, "resource_type": "sensor", "operation": "read",
	}), nil)
	assertStatus(t, rr, http.StatusOK)
	resp.Allowed = nil
	decodeJSON(t, rr, &resp)
	if !resp.Valid || resp.Allowed == nil || *resp.Allowed {
		t.Errorf("expected valid but not allowed, got %+v", resp)
	}

	// Invalid key: still 200, no principal, no reason.
	rr = env.do(t, "POST", "/api/v1/verify", jsonBody(t, map[string]string{"key": "bogus"}), nil)
	assertStatus(t, rr, http.StatusOK)
	var invalid map[string]interface{}
	decodeJSON(t, rr, &invalid)
	if invalid["valid"] != false {
		t.Errorf("expected valid=false, got %v", invalid)
	}
	if _, ok := invalid["principal"]; ok {
		t.Error("invalid key response must not include a principal")
	}

	// Operation without resource type is a request error.
	rr = env.do(t, "POST", "/api/v1/verify", jsonBody(t, map[string]string{
		"key": plaintext, "operation": "read",
	}), nil)
	assertStatus(t, rr, http.StatusBadRequest)
}

func TestPrincipalEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)
	identifier, plaintext := env.createKey(t, token, []map[string]interface{}{
		{"resource_type": "sensor", "operations": []string{"read"}},
	})

	rr := env.doAPIKey(t, "GET", "/api/v1/principal", nil, plaintext)
	assertStatus(t, rr, http.StatusOK)

	var principal struct {
		Identifier string `json:"identifier"`
		Owner      string `json:"owner"`
		Scopes     []struct {
			ResourceType string   `json:"resource_type"`
			Operations   []string `json:"operations"`
		} `json:"scopes"`
	}
	decodeJSON(t, rr, &principal)
	if principal.Identifier != identifier {
		t.Errorf("identifier = %q, want %q", principal.Identifier, identifier)
	}
	if len(principal.Scopes) != 1 || principal.Scopes[0].ResourceType != "sensor" {
		t.Errorf("scopes = %+v", principal.Scopes)
	}

	rr = env.do(t, "GET", "/api/v1/principal", nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestQueryParamAuthOptIn(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)
	_, plaintext := env.createKey(t, token, nil)

	// Default config ignores ?api_key=.
	rr := env.do(t, "GET", "/api/v1/principal?api_key="+plaintext, nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)

	cfg := DefaultConfig()
	cfg.AllowQueryParam = true
	env2 := newTestEnvCfg(t, cfg)
	env2.seedAdmin(t)
	token2 := env2.adminToken(t)
	_, plaintext2 := env2.createKey(t, token2, nil)

	rr = env2.do(t, "GET", "/api/v1/principal?api_key="+plaintext2, nil, nil)
	assertStatus(t, rr, http.StatusOK)
}

func TestVerifyRateLimitBucketsByIP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VerifyRatePerMin = 1
	env := newTestEnvCfg(t, cfg)

	do := func(remoteAddr string) int {
		req := httptest.NewRequest("POST", "/api/v1/verify", jsonBody(t, map[string]string{"key": "bogus"}))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = remoteAddr
		rr := httptest.NewRecorder()
		env.server.ServeHTTP(rr, req)
		return rr.Code
	}

	// Verify carries the key in the body, so callers without the auth
	// header are limited per client IP rather than pooled together.
	if code := do("198.51.100.1:1000"); code != http.StatusOK {
		t.Fatalf("first call from .1: expected 200, got %d", code)
	}
	if code := do("198.51.100.2:2000"); code != http.StatusOK {
		t.Errorf("first call from .2: expected 200, got %d", code)
	}
	if code := do("198.51.100.1:3000"); code != http.StatusTooManyRequests {
		t.Errorf("second call from .1: expected 429, got %d", code)
	}
}

// ---------------------------------------------------------------------------
// Usage log endpoints
// ---------------------------------------------------------------------------

func TestUsageEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)
	identifier, plaintext := env.createKey(t, token, []map[string]interface{}{
		{"resource_type": "sensor", "operations": []string{"read"}},
	})

	env.doAPIKey(t, "GET", "/api/v1/gate/sensor", nil, plaintext)    // allowed
	env.doAPIKey(t, "DELETE", "/api/v1/gate/sensor", nil, plaintext) // denied
	env.doAPIKey(t, "GET", "/api/v1/gate/sensor", nil, "bogus")      // invalid key

	// Flush the async log before reading it back.
	env.usage.Close()

	rr := env.doAuth(t, "GET", "/api/v1/system/usage?key="+identifier, nil, token)
	assertStatus(t, rr, http.StatusOK)
	var resp struct {
		Usage []struct {
			Outcome   string `json:"outcome"`
			Operation string `json:"operation"`
		} `json:"usage"`
		Meta struct {
			Count int   `json:"count"`
			Total int64 `json:"total"`
		} `json:"meta"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Meta.Count != 2 {
		t.Errorf("expected 2 events for the key, got %d: %+v", resp.Meta.Count, resp.Usage)
	}

	rr = env.doAuth(t, "GET", "/api/v1/system/usage?outcome=invalid_key", nil, token)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &resp)
	if resp.Meta.Count != 1 {
		t.Errorf("expected 1 invalid_key event, got %d", resp.Meta.Count)
	}

	// Logger counters survive the flush.
	rr = env.doAuth(t, "GET", "/api/v1/system/usage/stats", nil, token)
	assertStatus(t, rr, http.StatusOK)
	var stats map[string]float64
	decodeJSON(t, rr, &stats)
	if stats["enqueued"] < 3 {
		t.Errorf("expected at least 3 enqueued events, got %v", stats["enqueued"])
	}

	// Prune requires a positive cutoff.
	rr = env.doAuth(t, "DELETE", "/api/v1/system/usage", nil, token)
	assertStatus(t, rr, http.StatusBadRequest)
	rr = env.doAuth(t, "DELETE", "/api/v1/system/usage?older_than_days=30", nil, token)
	assertStatus(t, rr, http.StatusOK)
}

func TestAuthOnlyRequestsLeaveUsageEvents(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)
	identifier, plaintext := env.createKey(t, token, nil)

	// Neither call asks for a permission decision, yet both authenticate.
	rr := env.doAPIKey(t, "GET", "/api/v1/principal", nil, plaintext)
	assertStatus(t, rr, http.StatusOK)
	rr = env.do(t, "POST", "/api/v1/verify", jsonBody(t, map[string]string{"key": plaintext}), nil)
	assertStatus(t, rr, http.StatusOK)

	env.usage.Close()

	rr = env.doAuth(t, "GET", "/api/v1/system/usage?key="+identifier, nil, token)
	assertStatus(t, rr, http.StatusOK)
	var resp struct {
		Usage []struct {
			Outcome      string `json:"outcome"`
			ResourceType string `json:"resource_type"`
			Endpoint     string `json:"endpoint"`
		} `json:"usage"`
		Meta struct {
			Count int `json:"count"`
		} `json:"meta"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Meta.Count != 2 {
		t.Fatalf("expected 2 events for auth-only calls, got %d: %+v", resp.Meta.Count, resp.Usage)
	}
	for _, ev := range resp.Usage {
		if ev.Outcome != "allowed" {
			t.Errorf("outcome = %q, want allowed", ev.Outcome)
		}
		if ev.ResourceType != "" {
			t.Errorf("auth-only event carries resource_type %q", ev.ResourceType)
		}
		if ev.Endpoint == "" {
			t.Error("expected the endpoint on the event")
		}
	}
}

// ---------------------------------------------------------------------------
// Catalog and admins
// ---------------------------------------------------------------------------

func TestResourcesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	rr := env.doAuth(t, "GET", "/api/v1/system/resources", nil, token)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Resources []struct {
			ResourceType string   `json:"resource_type"`
			Operations   []string `json:"operations"`
		} `json:"resources"`
	}
	decodeJSON(t, rr, &resp)
	if len(resp.Resources) != 2 {
		t.Fatalf("expected 2 catalog entries, got %d", len(resp.Resources))
	}
	if resp.Resources[0].ResourceType != "report" || len(resp.Resources[0].Operations) != 1 {
		t.Errorf("unexpected first entry: %+v", resp.Resources[0])
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	body := jsonBody(t, map[string]string{
		"email":    "second@example.com",
		"password": "another-password",
		"name":     "Second",
	})
	rr := env.doAuth(t, "POST", "/api/v1/system/admins", body, token)
	assertStatus(t, rr, http.StatusCreated)

	// Duplicate email conflicts.
	body = jsonBody(t, map[string]string{"email": "second@example.com", "password": "another-password"})
	rr = env.doAuth(t, "POST", "/api/v1/system/admins", body, token)
	assertStatus(t, rr, http.StatusConflict)

	// Short passwords are rejected.
	body = jsonBody(t, map[string]string{"email": "third@example.com", "password": "short"})
	rr = env.doAuth(t, "POST", "/api/v1/system/admins", body, token)
	assertStatus(t, rr, http.StatusBadRequest)

	// The new admin can log in.
	body = jsonBody(t, map[string]string{"email": "second@example.com", "password": "another-password"})
	rr = env.do(t, "POST", "/api/v1/system/session", body, nil)
	assertStatus(t, rr, http.StatusOK)

	var list struct {
		Admins []struct {
			Email string `json:"email"`
		} `json:"admins"`
	}
	rr = env.doAuth(t, "GET", "/api/v1/system/admins", nil, token)
	assertStatus(t, rr, http.StatusOK)
	decodeJSON(t, rr, &list)
	if len(list.Admins) != 2 {
		t.Errorf("expected 2 admins, got %d", len(list.Admins))
	}
}
