package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/artpar/atlas/internal/core/pagination"
	"github.com/artpar/atlas/internal/shell/api/openapi"
	"github.com/artpar/atlas/internal/shell/metrics"
	"github.com/artpar/atlas/internal/shell/tracker"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// =============================================================================
// API Setup
// =============================================================================

// APIConfig holds configuration for the API setup.
type APIConfig struct {
	Tracker *tracker.Service
	Ready   Pinger             // Readiness check (nil = always ready)
	Metrics *metrics.Collector // nil disables /metrics and request metrics
	Logger  *slog.Logger
	Version string

	// AuthSharedSecret, when set, is required in X-Gateway-Secret.
	AuthSharedSecret string
	// AuthRequire rejects deployment requests without a caller identity.
	AuthRequire bool
}

// SetupAPI creates the complete API router.
// Returns an http.Handler that can be used as the server's main handler.
func SetupAPI(cfg APIConfig) http.Handler {
	return NewHandler(cfg).Routes()
}

// newOpenAPIGenerator documents the routes served by Routes.
func newOpenAPIGenerator(version string) *openapi.Generator {
	if version == "" {
		version = "1.0.0"
	}
	gen := openapi.NewGenerator(
		openapi.WithTitle("Atlas API"),
		openapi.WithVersion(version),
		openapi.WithDescription("Deployment tracking for the Atlas catalog"),
		openapi.WithServer("/"),
		openapi.WithBasePath("/api/v1"),
	)
	gen.RegisterResource(openapi.ResourceInfo{
		Name:          "deployments",
		Model:         DeploymentResponse{},
		CreateRequest: CreateDeploymentRequest{},
		UpdateRequest: CompleteDeploymentRequest{},
		ListMeta:      pagination.Meta{},
		ListFilters:   []string{"environment_id", "release_id"},
		SupportsFind:  true,
	})
	return gen
}

// =============================================================================
// Middleware
// =============================================================================

// requestIDMiddleware reuses the caller's X-Request-ID or generates one, and
// stores it where chi's GetReqID finds it.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(chimw.RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), chimw.RequestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
