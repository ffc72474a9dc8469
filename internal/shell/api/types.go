package api

import (
	"encoding/json"
	"time"

	"github.com/artpar/atlas/internal/core/domain"
	"github.com/artpar/atlas/internal/core/pagination"
)

// =============================================================================
// Request Types
// =============================================================================

// CreateDeploymentRequest is the request body for recording a deployment.
// Timestamps are ISO 8601 strings; metadata must be a JSON object when set.
type CreateDeploymentRequest struct {
	EnvironmentID *int64          `json:"environment_id"`
	ReleaseID     *int64          `json:"release_id,omitempty"`
	DeployedBy    *string         `json:"deployed_by,omitempty"`
	StartedAt     *string         `json:"started_at,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// CompleteDeploymentRequest is the request body for completing a deployment.
// Every field is optional; an empty body completes the deployment now.
type CompleteDeploymentRequest struct {
	EndedAt       *string         `json:"ended_at,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	EnvironmentID *int64          `json:"environment_id,omitempty"`
	ReleaseID     *int64          `json:"release_id,omitempty"`
	DeployedBy    *string         `json:"deployed_by,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// DeploymentResponse is the response for deployment operations.
type DeploymentResponse struct {
	ID                   int64           `json:"id"`
	EnvironmentID        int64           `json:"environment_id"`
	ReleaseID            *int64          `json:"release_id"`
	DeployedBy           *string         `json:"deployed_by"`
	StartedAt            *time.Time      `json:"started_at"`
	EndedAt              *time.Time      `json:"ended_at"`
	DurationMilliseconds *int64          `json:"duration_milliseconds"`
	Metadata             domain.Metadata `json:"metadata"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// ListDeploymentsResponse is one page of deployments.
type ListDeploymentsResponse struct {
	Data []DeploymentResponse `json:"data"`
	Meta pagination.Meta      `json:"meta"`
}

// ErrorResponse represents an error response. Fields is set for validation
// failures only.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields,omitempty"`
}

// HealthResponse is the response for health checks.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response for readiness checks.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
