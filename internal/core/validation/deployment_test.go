package validation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/artpar/atlas/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func strPtr(v string) *string { return &v }

// =============================================================================
// ParseTimestamp Tests
// =============================================================================

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"rfc3339 utc", "2024-01-01T00:00:05Z", want},
		{"rfc3339 offset", "2024-01-01T02:00:05+02:00", want},
		{"fractional seconds", "2024-01-01T00:00:05.250Z", want.Add(250 * time.Millisecond)},
		{"zone-less", "2024-01-01T00:00:05", want},
		{"sql style", "2024-01-01 00:00:05", want},
		{"date only", "2024-01-01", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"surrounding space", "  2024-01-01T00:00:05Z ", want},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseTimestamp_Invalid(t *testing.T) {
	for _, input := range []string{"yesterday", "2024-13-01T00:00:00Z", "12:00", "1704067205"} {
		_, err := ParseTimestamp(input)
		assert.Error(t, err, input)
	}
}

// =============================================================================
// ValidateCreateDeploymentFields Tests
// =============================================================================

func TestValidateCreateDeploymentFields_AllValid(t *testing.T) {
	startedAt, verr := ValidateCreateDeploymentFields(int64Ptr(1), int64Ptr(2), strPtr("2024-01-01T00:00:00Z"))
	require.Nil(t, verr)
	require.NotNil(t, startedAt)
	assert.Equal(t, 2024, startedAt.Year())
}

func TestValidateCreateDeploymentFields_StartedAtOptional(t *testing.T) {
	startedAt, verr := ValidateCreateDeploymentFields(int64Ptr(1), nil, nil)
	assert.Nil(t, verr)
	assert.Nil(t, startedAt)

	startedAt, verr = ValidateCreateDeploymentFields(int64Ptr(1), nil, strPtr(""))
	assert.Nil(t, verr)
	assert.Nil(t, startedAt)
}

func TestValidateCreateDeploymentFields_MissingEnvironment(t *testing.T) {
	_, verr := ValidateCreateDeploymentFields(nil, nil, nil)
	require.NotNil(t, verr)
	assert.Equal(t, "environment_id is required", verr.Fields["environment_id"])
}

func TestValidateCreateDeploymentFields_NonPositiveIDs(t *testing.T) {
	_, verr := ValidateCreateDeploymentFields(int64Ptr(0), int64Ptr(-1), nil)
	require.NotNil(t, verr)
	assert.Contains(t, verr.Fields, "environment_id")
	assert.Contains(t, verr.Fields, "release_id")
}

func TestValidateCreateDeploymentFields_BadStartedAt(t *testing.T) {
	_, verr := ValidateCreateDeploymentFields(int64Ptr(1), nil, strPtr("not-a-date"))
	require.NotNil(t, verr)
	assert.Equal(t, "started_at is not a valid timestamp", verr.Fields["started_at"])
}

// =============================================================================
// ValidateCompleteDeploymentFields Tests
// =============================================================================

func TestValidateCompleteDeploymentFields_Empty(t *testing.T) {
	endedAt, verr := ValidateCompleteDeploymentFields(nil, nil, nil)
	assert.Nil(t, verr)
	assert.Nil(t, endedAt)
}

func TestValidateCompleteDeploymentFields_ParsesEndedAt(t *testing.T) {
	endedAt, verr := ValidateCompleteDeploymentFields(strPtr("2024-01-01T00:00:05Z"), nil, nil)
	require.Nil(t, verr)
	assert.True(t, endedAt.Equal(time.Date(2024, 1, 1, 0, 0, 5, 0, time.UTC)))
}

func TestValidateCompleteDeploymentFields_BadEndedAt(t *testing.T) {
	_, verr := ValidateCompleteDeploymentFields(strPtr("soon"), nil, nil)
	require.NotNil(t, verr)
	assert.Contains(t, verr.Fields, "ended_at")
}

func TestValidateCompleteDeploymentFields_BadEnvironment(t *testing.T) {
	_, verr := ValidateCompleteDeploymentFields(nil, int64Ptr(-3), nil)
	require.NotNil(t, verr)
	assert.Contains(t, verr.Fields, "environment_id")
}

// =============================================================================
// DecodeMetadata Tests
// =============================================================================

func TestDecodeMetadata(t *testing.T) {
	md, verr := DecodeMetadata(json.RawMessage(`{"a": 1, "nested": {"b": true}}`))
	require.Nil(t, verr)
	assert.Equal(t, json.Number("1"), md["a"])
	assert.Equal(t, map[string]any{"b": true}, md["nested"])
}

func TestDecodeMetadata_LargeIntegersAreExact(t *testing.T) {
	md, verr := DecodeMetadata(json.RawMessage(`{"build": 9007199254740993, "ratio": 0.25}`))
	require.Nil(t, verr)
	assert.Equal(t, json.Number("9007199254740993"), md["build"])
	assert.Equal(t, json.Number("0.25"), md["ratio"])
}

func TestDecodeMetadata_AbsentOrNull(t *testing.T) {
	for _, raw := range []string{"", "null", "  null "} {
		md, verr := DecodeMetadata(json.RawMessage(raw))
		assert.Nil(t, verr, raw)
		assert.Nil(t, md, raw)
	}
}

func TestDecodeMetadata_EmptyObject(t *testing.T) {
	md, verr := DecodeMetadata(json.RawMessage(`{}`))
	require.Nil(t, verr)
	assert.NotNil(t, md)
	assert.Equal(t, domain.Metadata{}, md)
}

func TestDecodeMetadata_NotAnObject(t *testing.T) {
	for _, raw := range []string{`[1,2]`, `"text"`, `42`, `true`} {
		_, verr := DecodeMetadata(json.RawMessage(raw))
		require.NotNil(t, verr, raw)
		assert.Equal(t, "metadata must be an object", verr.Fields["metadata"])
	}
}

// =============================================================================
// Error Tests
// =============================================================================

func TestError_MessageIsSortedAndFirstWins(t *testing.T) {
	verr := &Error{}
	verr.Add("started_at", "started_at is bad")
	verr.Add("environment_id", "environment_id is required")
	verr.Add("environment_id", "second message is ignored")

	assert.Equal(t, "validation failed: environment_id is required; started_at is bad", verr.Error())
	assert.False(t, verr.Empty())
}

func TestError_NilIsEmpty(t *testing.T) {
	var verr *Error
	assert.True(t, verr.Empty())
}
