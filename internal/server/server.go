package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Ubiwhere/uw-api-keys/internal/handler"
	"github.com/Ubiwhere/uw-api-keys/internal/scope"
	"github.com/Ubiwhere/uw-api-keys/internal/server/middleware"
	"github.com/Ubiwhere/uw-api-keys/internal/service"
	"github.com/Ubiwhere/uw-api-keys/internal/store"
	"github.com/Ubiwhere/uw-api-keys/internal/usagelog"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	BaseURL         string

	// KeyHeader names the header carrying API keys on data-plane routes.
	KeyHeader string
	// AllowQueryParam additionally accepts keys via ?api_key=.
	AllowQueryParam bool

	// VerifyRatePerMin limits verification traffic per key; 0 disables.
	VerifyRatePerMin int
	// LoginRatePerMin limits login attempts per IP; 0 disables.
	LoginRatePerMin int
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		KeyHeader:       "X-API-Key",
		LoginRatePerMin: 10,
	}
}

// Server is the top-level HTTP server. It owns the Chi router, the store,
// the auth service, and the async usage logger, and shuts them down in
// that order.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *store.Store
	authSvc    *service.AuthService
	registry   *scope.Registry
	usage      *usagelog.Logger
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, st *store.Store, authSvc *service.AuthService, registry *scope.Registry, usage *usagelog.Logger, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		authSvc:  authSvc,
		registry: registry,
		usage:    usage,
		logger:   logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", s.keyHeader(), "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Key-Identifier", "X-Key-Owner"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- OpenAPI spec (no auth required) ---
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.registry, s.cfg.BaseURL).ServeSpec)

	keyAuthCfg := middleware.KeyAuthConfig{
		Header:          s.keyHeader(),
		AllowQueryParam: s.cfg.AllowQueryParam,
	}
	accessHandler := handler.NewAccessHandler(s.authSvc)
	sysHandler := handler.NewSystemHandler(s.store, s.authSvc, s.registry, s.usage)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {

		// Data plane: verification and forward-auth.
		r.Group(func(r chi.Router) {
			if s.cfg.VerifyRatePerMin > 0 {
				r.Use(middleware.RateLimitByHeader(s.keyHeader(), s.cfg.VerifyRatePerMin))
			}

			r.Post("/verify", accessHandler.Verify)

			r.Group(func(r chi.Router) {
				r.Use(middleware.KeyAuth(s.authSvc, keyAuthCfg))

				r.Get("/principal", accessHandler.Principal)

				gate := middleware.RequirePermission(s.authSvc, func(r *http.Request) string {
					return chi.URLParam(r, "resourceType")
				})
				r.With(gate).Handle("/gate/{resourceType}", http.HandlerFunc(accessHandler.Gate))
			})
		})

		// Management plane.
		r.Route("/system", func(r chi.Router) {
			// Login is unauthenticated but rate limited.
			r.Group(func(r chi.Router) {
				if s.cfg.LoginRatePerMin > 0 {
					r.Use(middleware.RateLimit(s.cfg.LoginRatePerMin))
				}
				r.Post("/session", sysHandler.Login)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.AdminAuth(s.authSvc))

				r.Get("/keys", sysHandler.ListKeys)
				r.Post("/keys", sysHandler.CreateKey)
				r.Get("/keys/{identifier}", sysHandler.GetKey)
				r.Delete("/keys/{identifier}", sysHandler.RevokeKey)
				r.Post("/keys/{identifier}/scopes", sysHandler.GrantScope)
				r.Delete("/keys/{identifier}/scopes/{resourceType}", sysHandler.RevokeScope)

				r.Get("/usage", sysHandler.ListUsage)
				r.Delete("/usage", sysHandler.PruneUsage)
				r.Get("/usage/stats", sysHandler.UsageStats)

				r.Get("/resources", sysHandler.ListResources)

				r.Get("/admins", sysHandler.ListAdmins)
				r.Post("/admins", sysHandler.CreateAdmin)
			})
		})
	})

	s.router = r
}

func (s *Server) keyHeader() string {
	if s.cfg.KeyHeader == "" {
		return "X-API-Key"
	}
	return s.cfg.KeyHeader
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the store answers a
// ping, 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"degraded","checks":{"store":"error"}}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","checks":{"store":"ok"}}`))
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown: drain in-flight
// requests, flush the usage log, close the store.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Pending usage events flush before the store goes away.
	s.usage.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close", "error", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
