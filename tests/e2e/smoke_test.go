package e2e

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestE2E_HealthCheck(t *testing.T) {
	status, body := doRequest(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))
}

func TestE2E_ReadyCheck(t *testing.T) {
	status, body := doRequest(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"database":"ok"`)
}

func TestE2E_Metrics(t *testing.T) {
	createDeployment(t, map[string]any{"environment_id": uniqueEnvironment()})

	status, body := doRequest(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	text := string(body)
	assert.Contains(t, text, "atlas_deployments_created_total")
	assert.Contains(t, text, "atlas_http_requests_total")
}

func TestE2E_OpenAPIDocuments(t *testing.T) {
	status, body := doRequest(t, http.MethodGet, "/api/v1/openapi.json", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"/api/v1/deployments/{id}"`)

	status, body = doRequest(t, http.MethodGet, "/api/v1/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, strings.Contains(string(body), "\nopenapi: ") || strings.HasPrefix(string(body), "openapi: "))
}
