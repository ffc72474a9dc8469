package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// HTTP Helpers
// =============================================================================

// deployment mirrors the API's deployment representation.
type deployment struct {
	ID                   int64          `json:"id"`
	EnvironmentID        int64          `json:"environment_id"`
	ReleaseID            *int64         `json:"release_id"`
	DeployedBy           *string        `json:"deployed_by"`
	StartedAt            *time.Time     `json:"started_at"`
	EndedAt              *time.Time     `json:"ended_at"`
	DurationMilliseconds *int64         `json:"duration_milliseconds"`
	Metadata             map[string]any `json:"metadata"`
}

type pageMeta struct {
	CurrentPage int  `json:"current_page"`
	LastPage    int  `json:"last_page"`
	PerPage     int  `json:"per_page"`
	Total       int  `json:"total"`
	From        *int `json:"from"`
	To          *int `json:"to"`
}

type deploymentList struct {
	Data []deployment `json:"data"`
	Meta pageMeta     `json:"meta"`
}

type errorBody struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields"`
}

// doRequest sends a JSON request and returns the status code and raw body.
func doRequest(t *testing.T, method, path string, body any, headers ...string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := testClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// decode unmarshals a response body into T.
func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

// createDeployment posts body and requires a 201.
func createDeployment(t *testing.T, body map[string]any) deployment {
	t.Helper()
	status, data := doRequest(t, http.MethodPost, "/api/v1/deployments", body)
	require.Equal(t, http.StatusCreated, status, string(data))
	return decode[deployment](t, data)
}

var lastEnvironment atomic.Int64

// uniqueEnvironment returns an environment id no other test uses, so list
// assertions can filter on it against the shared database.
func uniqueEnvironment() int64 {
	return 1000 + lastEnvironment.Add(1)
}
