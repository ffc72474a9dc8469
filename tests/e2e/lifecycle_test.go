package e2e

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/artpar/atlas/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Deployment Lifecycle
// =============================================================================

func TestE2E_DeploymentLifecycle(t *testing.T) {
	env := uniqueEnvironment()

	created := createDeployment(t, map[string]any{
		"environment_id": env,
		"release_id":     7,
		"started_at":     "2024-03-01T10:00:00Z",
		"metadata":       map[string]any{"commit": "abc", "region": "eu"},
	})
	assert.Nil(t, created.EndedAt)
	assert.Nil(t, created.DurationMilliseconds)

	status, data := doRequest(t, http.MethodPatch, fmt.Sprintf("/api/v1/deployments/%d", created.ID), map[string]any{
		"ended_at": "2024-03-01T10:02:30.250Z",
		"metadata": map[string]any{"region": "us", "result": "ok"},
	})
	require.Equal(t, http.StatusOK, status, string(data))
	completed := decode[deployment](t, data)

	require.NotNil(t, completed.DurationMilliseconds)
	assert.Equal(t, int64(150250), *completed.DurationMilliseconds)
	assert.Equal(t, map[string]any{"commit": "abc", "region": "us", "result": "ok"}, completed.Metadata)

	// Reads return exactly what was stored.
	status, data = doRequest(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, status)
	fetched := decode[deployment](t, data)
	assert.Equal(t, completed.DurationMilliseconds, fetched.DurationMilliseconds)
	assert.True(t, completed.EndedAt.Equal(*fetched.EndedAt))
	assert.Equal(t, completed.Metadata, fetched.Metadata)
	require.NotNil(t, fetched.ReleaseID)
	assert.Equal(t, int64(7), *fetched.ReleaseID)
}

func TestE2E_CreateDefaultsStartedAtToNow(t *testing.T) {
	before := time.Now().Add(-time.Second)
	created := createDeployment(t, map[string]any{"environment_id": uniqueEnvironment()})
	after := time.Now().Add(time.Second)

	require.NotNil(t, created.StartedAt)
	assert.True(t, created.StartedAt.After(before) && created.StartedAt.Before(after), created.StartedAt.String())
}

func TestE2E_CompleteWithoutEndedAtUsesNow(t *testing.T) {
	created := createDeployment(t, map[string]any{"environment_id": uniqueEnvironment()})

	status, data := doRequest(t, http.MethodPatch, fmt.Sprintf("/api/v1/deployments/%d", created.ID), map[string]any{})
	require.Equal(t, http.StatusOK, status, string(data))
	completed := decode[deployment](t, data)

	require.NotNil(t, completed.EndedAt)
	require.NotNil(t, completed.DurationMilliseconds)
	assert.GreaterOrEqual(t, *completed.DurationMilliseconds, int64(0))
	assert.Nil(t, completed.Metadata)
}

func TestE2E_DeployedByFromGateway(t *testing.T) {
	status, data := doRequest(t, http.MethodPost, "/api/v1/deployments",
		map[string]any{"environment_id": uniqueEnvironment()},
		"X-User-ID", "usr_e2e",
	)
	require.Equal(t, http.StatusCreated, status)
	created := decode[deployment](t, data)
	require.NotNil(t, created.DeployedBy)
	assert.Equal(t, "usr_e2e", *created.DeployedBy)
}

// =============================================================================
// Errors
// =============================================================================

func TestE2E_Errors(t *testing.T) {
	status, data := doRequest(t, http.MethodPost, "/api/v1/deployments", map[string]any{"started_at": "2024-01-01T00:00:00Z"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, decode[errorBody](t, data).Fields, "environment_id")

	status, _ = doRequest(t, http.MethodGet, "/api/v1/deployments/999999999", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = doRequest(t, http.MethodPatch, "/api/v1/deployments/999999999", map[string]any{})
	assert.Equal(t, http.StatusNotFound, status)

	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/v1/deployments", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp, err := testClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestE2E_CompleteBeforeStartRejected(t *testing.T) {
	created := createDeployment(t, map[string]any{
		"environment_id": uniqueEnvironment(),
		"started_at":     "2024-03-01T10:00:00Z",
	})

	status, data := doRequest(t, http.MethodPatch, fmt.Sprintf("/api/v1/deployments/%d", created.ID),
		map[string]any{"ended_at": "2024-03-01T09:00:00Z"})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, decode[errorBody](t, data).Fields, "ended_at")

	// The record is still open.
	status, data = doRequest(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, decode[deployment](t, data).EndedAt)
}

// =============================================================================
// Listing
// =============================================================================

func TestE2E_ListPagination(t *testing.T) {
	env := uniqueEnvironment()
	var ids []int64
	for range 7 {
		ids = append(ids, createDeployment(t, map[string]any{"environment_id": env}).ID)
	}

	status, data := doRequest(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments?environment_id=%d&per_page=3&page=3", env), nil)
	require.Equal(t, http.StatusOK, status, string(data))
	list := decode[deploymentList](t, data)

	assert.Equal(t, 3, list.Meta.CurrentPage)
	assert.Equal(t, 3, list.Meta.LastPage)
	assert.Equal(t, 3, list.Meta.PerPage)
	assert.Equal(t, 7, list.Meta.Total)
	require.Len(t, list.Data, 1)
	assert.Equal(t, ids[0], list.Data[0].ID)
	require.NotNil(t, list.Meta.From)
	assert.Equal(t, 7, *list.Meta.From)

	status, data = doRequest(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments?environment_id=%d&page=9", env), nil)
	require.Equal(t, http.StatusOK, status)
	list = decode[deploymentList](t, data)
	assert.Empty(t, list.Data)
	assert.Nil(t, list.Meta.From)
}

// =============================================================================
// Concurrency and Durability
// =============================================================================

func TestE2E_ConcurrentCreates(t *testing.T) {
	env := uniqueEnvironment()
	const n = 10

	var wg sync.WaitGroup
	statuses := make([]int, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := fmt.Sprintf(`{"environment_id":%d}`, env)
			resp, err := testClient.Post(baseURL+"/api/v1/deployments", "application/json", bytes.NewBufferString(body))
			if err != nil {
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}()
	}
	wg.Wait()

	for i, status := range statuses {
		assert.Equal(t, http.StatusCreated, status, "request %d", i)
	}

	status, data := doRequest(t, http.MethodGet, fmt.Sprintf("/api/v1/deployments?environment_id=%d&per_page=100", env), nil)
	require.Equal(t, http.StatusOK, status)
	list := decode[deploymentList](t, data)
	assert.Equal(t, n, list.Meta.Total)

	seen := make(map[int64]bool)
	for _, d := range list.Data {
		assert.False(t, seen[d.ID], "duplicate id %d", d.ID)
		seen[d.ID] = true
	}
}

func TestE2E_PersistedAcrossStoreHandles(t *testing.T) {
	created := createDeployment(t, map[string]any{
		"environment_id": uniqueEnvironment(),
		"metadata":       map[string]any{"k": "v"},
	})

	other, err := store.Open(context.Background(), store.Config{Driver: store.DriverSQLite, DSN: testDBPath})
	require.NoError(t, err)
	defer other.Close()

	got, err := other.GetDeployment(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.EnvironmentID, got.EnvironmentID)
	assert.Equal(t, "v", got.Metadata["k"])
}
