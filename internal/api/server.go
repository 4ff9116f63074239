// Package api provides the HTTP server and routing.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bunbase/bunbase/internal/api/handlers"
	"github.com/bunbase/bunbase/internal/auth"
	"github.com/bunbase/bunbase/internal/config"
	"github.com/bunbase/bunbase/internal/files"
	"github.com/bunbase/bunbase/internal/metrics"
	"github.com/bunbase/bunbase/internal/realtime"
	"github.com/bunbase/bunbase/internal/records"
	"github.com/bunbase/bunbase/internal/schema"
)

// Server represents the HTTP server.
type Server struct {
	config  *config.Config
	schema  *schema.Engine
	records *records.Engine
	auth    *auth.Service
	files   *files.Storage
	broker  *realtime.Broker
	router  chi.Router
	server  *http.Server
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Deps bundles what the server routes to.
type Deps struct {
	Schema  *schema.Engine
	Records *records.Engine
	Auth    *auth.Service
	Files   *files.Storage
	Broker  *realtime.Broker
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		config:  cfg,
		schema:  deps.Schema,
		records: deps.Records,
		auth:    deps.Auth,
		files:   deps.Files,
		broker:  deps.Broker,
		logger:  logger,
		metrics: metrics.New(),
	}

	s.setupRouter()
	return s
}

// Metrics returns the metrics instance for recording custom metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// setupRouter configures the HTTP router.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(s.authContext)

	h := handlers.New(handlers.Config{
		Schema:  s.schema,
		Records: s.records,
		Auth:    s.auth,
		Files:   s.files,
		Broker:  s.broker,
		Metrics: s.metrics,
		Logger:  s.logger,
		Dev:     s.config.Dev,
	})

	// Health check
	r.Get("/api/health", h.Health)

	// Metrics endpoint
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	// Records
	r.Route("/api/collections/{collection}", func(r chi.Router) {
		r.Get("/records", h.ListRecords)
		r.Post("/records", h.CreateRecord)
		r.Get("/records/{id}", h.ViewRecord)
		r.Patch("/records/{id}", h.UpdateRecord)
		r.Delete("/records/{id}", h.DeleteRecord)

		// User auth
		r.Post("/auth-with-password", h.AuthWithPassword)
		r.Post("/auth-refresh", h.AuthRefresh)
		r.Post("/request-verification", h.RequestVerification)
		r.Post("/confirm-verification", h.ConfirmVerification)
		r.Post("/request-password-reset", h.RequestPasswordReset)
		r.Post("/confirm-password-reset", h.ConfirmPasswordReset)
		r.Post("/change-password", h.ChangePassword)
	})

	// Files
	r.Get("/api/files/{collection}/{id}/{filename}", h.DownloadFile)

	// Realtime
	r.Get("/api/realtime", h.RealtimeStream)
	r.Post("/api/realtime", h.RealtimeSubscribe)

	// Admin surface
	r.Route("/_/api", func(r chi.Router) {
		r.Post("/auth/login", h.AdminLogin)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAdmin)

			r.Get("/auth/me", h.AdminMe)
			r.Patch("/auth/password", h.AdminChangePassword)

			r.Get("/collections", h.ListCollections)
			r.Post("/collections", h.CreateCollection)
			r.Get("/collections/{collection}", h.ViewCollection)
			r.Patch("/collections/{collection}", h.UpdateCollection)
			r.Delete("/collections/{collection}", h.DeleteCollection)
			r.Post("/collections/{collection}/fields", h.AddField)
			r.Patch("/collections/{collection}/fields/{field}", h.UpdateField)
			r.Delete("/collections/{collection}/fields/{field}", h.DeleteField)
		})
	})

	s.router = r
}

// authContext resolves the bearer token (header, or ?token= for SSE clients)
// into a request identity. Invalid tokens leave the request anonymous; the
// rule checks decide what anonymous requests may do.
func (s *Server) authContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		if requester := s.resolveToken(r.Context(), token); requester != nil {
			r = r.WithContext(handlers.WithRequester(r.Context(), requester))
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if header != "" {
		return header
	}
	return r.URL.Query().Get("token")
}

// resolveToken tries the token as an admin token, then as a user access
// token.
func (s *Server) resolveToken(ctx context.Context, token string) *auth.Requester {
	if claims, err := s.auth.Tokens().Parse(token, auth.TokenTypeAdmin); err == nil {
		admin, err := s.auth.FindAdminByID(ctx, claims.AdminID)
		if err != nil {
			return nil
		}
		return &auth.Requester{IsAdmin: true, Admin: admin}
	}

	claims, err := s.auth.Tokens().Parse(token, auth.TokenTypeAccess)
	if err != nil {
		return nil
	}
	col, err := s.schema.FindCollection(ctx, claims.CollectionName)
	if err != nil {
		return nil
	}
	user, err := s.auth.FindUserByID(ctx, col, claims.UserID)
	if err != nil {
		return nil
	}
	return &auth.Requester{User: user}
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote", r.RemoteAddr),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeout) * time.Second,
	}

	s.logger.Info("starting server", slog.String("address", addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the HTTP router for testing.
func (s *Server) Router() http.Handler {
	return s.router
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Address returns the server address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s", s.config.Address())
}
