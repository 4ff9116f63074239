package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/bunbase/bunbase/internal/auth"
	"github.com/bunbase/bunbase/internal/files"
	"github.com/bunbase/bunbase/internal/hooks"
	"github.com/bunbase/bunbase/internal/metrics"
	"github.com/bunbase/bunbase/internal/realtime"
	"github.com/bunbase/bunbase/internal/records"
	"github.com/bunbase/bunbase/internal/schema"
)

// requesterKey carries the resolved request identity through the context.
type requesterKey struct{}

// WithRequester attaches a resolved identity to a request context.
func WithRequester(ctx context.Context, req *auth.Requester) context.Context {
	return context.WithValue(ctx, requesterKey{}, req)
}

// RequesterFrom returns the resolved identity, or nil for anonymous requests.
func RequesterFrom(ctx context.Context) *auth.Requester {
	req, _ := ctx.Value(requesterKey{}).(*auth.Requester)
	return req
}

// Handler provides the HTTP handlers for all API surfaces.
type Handler struct {
	schema  *schema.Engine
	records *records.Engine
	auth    *auth.Service
	files   *files.Storage
	broker  *realtime.Broker
	metrics *metrics.Metrics
	logger  *slog.Logger
	dev     bool
}

// Config holds handler dependencies.
type Config struct {
	Schema  *schema.Engine
	Records *records.Engine
	Auth    *auth.Service
	Files   *files.Storage
	Broker  *realtime.Broker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Dev     bool
}

// New creates a Handler.
func New(cfg Config) *Handler {
	return &Handler{
		schema:  cfg.Schema,
		records: cfg.Records,
		auth:    cfg.Auth,
		files:   cfg.Files,
		broker:  cfg.Broker,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		dev:     cfg.Dev,
	}
}

// requestInfo builds the hook-visible request descriptor.
func requestInfo(r *http.Request) *hooks.RequestInfo {
	return &hooks.RequestInfo{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header,
	}
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
