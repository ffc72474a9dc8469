// Package api provides HTTP handlers for the Atlas API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/artpar/atlas/internal/core/domain"
	"github.com/artpar/atlas/internal/core/pagination"
	"github.com/artpar/atlas/internal/core/validation"
	"github.com/artpar/atlas/internal/shell/api/middleware"
	"github.com/artpar/atlas/internal/shell/api/openapi"
	"github.com/artpar/atlas/internal/shell/metrics"
	"github.com/artpar/atlas/internal/shell/store"
	"github.com/artpar/atlas/internal/shell/tracker"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

const (
	maxBodyBytes = 1 << 20
	readyTimeout = 2 * time.Second
)

// =============================================================================
// Handler
// =============================================================================

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	tracker     *tracker.Service
	ready       Pinger
	metrics     *metrics.Collector
	auth        *middleware.AuthMiddleware
	requireAuth bool
	openapi     *openapi.Generator
	logger      *slog.Logger
}

// NewHandler creates a new API handler. Metrics and Ready may be nil.
func NewHandler(cfg APIConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		tracker: cfg.Tracker,
		ready:   cfg.Ready,
		metrics: cfg.Metrics,
		auth: middleware.NewAuthMiddleware(middleware.AuthConfig{
			SharedSecret: cfg.AuthSharedSecret,
			Logger:       cfg.Logger,
		}),
		requireAuth: cfg.AuthRequire,
		openapi:     newOpenAPIGenerator(cfg.Version),
		logger:      cfg.Logger,
	}
}

// Routes returns the HTTP router for the API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
	}
	r.Use(h.requestLogger)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/openapi.json", h.openapi.Handler())
		r.Get("/openapi.yaml", h.openapi.YAMLHandler())

		r.Route("/deployments", func(r chi.Router) {
			r.Use(h.auth.Handler)
			if h.requireAuth {
				r.Use(middleware.RequireAuth(h.logger))
			}

			r.Post("/", h.handleCreateDeployment)
			r.Get("/", h.handleListDeployments)
			r.Get("/{id}", h.handleGetDeployment)
			r.Patch("/{id}", h.handleCompleteDeployment)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusNotFound, "route not found", "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
	})

	return r
}

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := chimw.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		if err := h.ready.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "check", "database", "error", err)
			checks["database"] = "failed"
			h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
				Status: "not_ready",
				Checks: checks,
			})
			return
		}
	}
	checks["database"] = "ok"

	h.writeJSON(w, http.StatusOK, ReadyResponse{
		Status: "ready",
		Checks: checks,
	})
}

// =============================================================================
// Deployment Handlers
// =============================================================================

func (h *Handler) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req CreateDeploymentRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	md, verr := validation.DecodeMetadata(req.Metadata)
	if verr != nil {
		h.writeServiceError(w, verr)
		return
	}

	deployment, err := h.tracker.Create(r.Context(), tracker.CreateInput{
		EnvironmentID: req.EnvironmentID,
		ReleaseID:     req.ReleaseID,
		StartedAt:     req.StartedAt,
		DeployedBy:    req.DeployedBy,
		Metadata:      md,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, deploymentToResponse(deployment))
}

func (h *Handler) handleCompleteDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deploymentID(w, r)
	if !ok {
		return
	}

	var req CompleteDeploymentRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	md, verr := validation.DecodeMetadata(req.Metadata)
	if verr != nil {
		h.writeServiceError(w, verr)
		return
	}

	deployment, err := h.tracker.Complete(r.Context(), id, tracker.CompleteInput{
		EndedAt:       req.EndedAt,
		Metadata:      md,
		EnvironmentID: req.EnvironmentID,
		ReleaseID:     req.ReleaseID,
		DeployedBy:    req.DeployedBy,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, deploymentToResponse(deployment))
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.deploymentID(w, r)
	if !ok {
		return
	}

	deployment, err := h.tracker.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, deploymentToResponse(deployment))
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	verr := &validation.Error{}

	page := queryInt(q, "page", verr)
	perPage := queryInt(q, "per_page", verr)
	filter := store.DeploymentFilter{
		EnvironmentID: queryID(q, "environment_id", verr),
		ReleaseID:     queryID(q, "release_id", verr),
	}
	if !verr.Empty() {
		h.writeServiceError(w, verr)
		return
	}

	result, err := h.tracker.List(r.Context(), filter, pagination.Params{Page: page, PerPage: perPage})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := ListDeploymentsResponse{
		Data: make([]DeploymentResponse, 0, len(result.Data)),
		Meta: result.Meta,
	}
	for i := range result.Data {
		resp.Data = append(resp.Data, deploymentToResponse(&result.Data[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Request Parsing
// =============================================================================

// deploymentID parses the {id} path segment. Anything that is not a positive
// integer cannot name a deployment and is reported as not found.
func (h *Handler) deploymentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusNotFound, "deployment not found", "not_found")
		return 0, false
	}
	return id, true
}

// decodeBody decodes a single JSON value from the request body into v. An
// empty body decodes as {}; anything after the value is rejected.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) {
		return true
	}
	if err == nil {
		if _, err = dec.Token(); errors.Is(err, io.EOF) {
			return true
		}
		if err == nil {
			err = errors.New("unexpected data after JSON value")
		}
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		h.writeServiceError(w, validation.NewError(typeErr.Field, fmt.Sprintf("%s must be of type %s", typeErr.Field, jsonTypeName(typeErr.Type.Kind().String()))))
		return false
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "body_too_large")
		return false
	}

	h.writeError(w, http.StatusBadRequest, "invalid JSON", "invalid_json")
	return false
}

func jsonTypeName(kind string) string {
	switch kind {
	case "int", "int8", "int16", "int32", "int64", "uint", "uint8", "uint16", "uint32", "uint64":
		return "integer"
	case "float32", "float64":
		return "number"
	case "bool":
		return "boolean"
	default:
		return kind
	}
}

func queryInt(q url.Values, name string, verr *validation.Error) int {
	raw := q.Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		verr.Add(name, name+" must be an integer")
		return 0
	}
	return n
}

func queryID(q url.Values, name string, verr *validation.Error) *int64 {
	raw := q.Get(name)
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		verr.Add(name, name+" must be a positive integer")
		return nil
	}
	return &id
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeServiceError maps the tracker error taxonomy onto HTTP responses.
// The service has already logged the failure.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		h.writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:  verr.Error(),
			Code:   "validation_error",
			Fields: verr.Fields,
		})
	case errors.Is(err, tracker.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "deployment not found", "not_found")
	default:
		h.writeError(w, http.StatusInternalServerError, "failed to persist deployment", "persistence_error")
	}
}

func deploymentToResponse(d *domain.Deployment) DeploymentResponse {
	return DeploymentResponse{
		ID:                   d.ID,
		EnvironmentID:        d.EnvironmentID,
		ReleaseID:            d.ReleaseID,
		DeployedBy:           d.DeployedBy,
		StartedAt:            d.StartedAt,
		EndedAt:              d.EndedAt,
		DurationMilliseconds: d.DurationMilliseconds,
		Metadata:             d.Metadata,
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
}
