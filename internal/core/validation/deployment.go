package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/artpar/atlas/internal/core/domain"
)

// =============================================================================
// Validation Error
// =============================================================================

// Error collects field-level validation failures.
type Error struct {
	Fields map[string]string
}

// NewError returns an Error holding a single field failure.
func NewError(field, message string) *Error {
	e := &Error{}
	e.Add(field, message)
	return e
}

// Add records a failure for field. The first message for a field wins.
func (e *Error) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = message
	}
}

// Empty reports whether no failures were recorded.
func (e *Error) Empty() bool {
	return e == nil || len(e.Fields) == 0
}

func (e *Error) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for f := range e.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, e.Fields[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// =============================================================================
// Timestamps
// =============================================================================

// timestampLayouts are tried in order. Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.DateOnly,
}

// ParseTimestamp parses an ISO 8601 timestamp and returns it in UTC.
//
// Example:
//
//	ParseTimestamp("2024-01-01T00:00:05Z")   // 2024-01-01 00:00:05 UTC
//	ParseTimestamp("2024-01-01 00:00:05")    // same instant, zone-less input read as UTC
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

// parseOptionalTimestamp treats nil and empty strings as absent.
func parseOptionalTimestamp(field string, value *string, verr *Error) *time.Time {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	t, err := ParseTimestamp(*value)
	if err != nil {
		verr.Add(field, field+" is not a valid timestamp")
		return nil
	}
	return &t
}

// =============================================================================
// Deployment Fields
// =============================================================================

// ValidateCreateDeploymentFields validates the fields of a creation request.
// Returns the parsed started_at (nil when absent) or an *Error.
//
// Example:
//
//	startedAt, verr := ValidateCreateDeploymentFields(&envID, nil, nil)
//	if verr != nil {
//	    // Return 422 with verr.Fields
//	}
func ValidateCreateDeploymentFields(environmentID, releaseID *int64, startedAt *string) (*time.Time, *Error) {
	verr := &Error{}

	switch {
	case environmentID == nil:
		verr.Add("environment_id", "environment_id is required")
	case *environmentID <= 0:
		verr.Add("environment_id", "environment_id must be a positive integer")
	}
	validateOptionalID("release_id", releaseID, verr)

	parsed := parseOptionalTimestamp("started_at", startedAt, verr)

	if !verr.Empty() {
		return nil, verr
	}
	return parsed, nil
}

// ValidateCompleteDeploymentFields validates the fields of a completion
// request. Returns the parsed ended_at (nil when absent) or an *Error.
func ValidateCompleteDeploymentFields(endedAt *string, environmentID, releaseID *int64) (*time.Time, *Error) {
	verr := &Error{}

	validateOptionalID("environment_id", environmentID, verr)
	validateOptionalID("release_id", releaseID, verr)

	parsed := parseOptionalTimestamp("ended_at", endedAt, verr)

	if !verr.Empty() {
		return nil, verr
	}
	return parsed, nil
}

func validateOptionalID(field string, id *int64, verr *Error) {
	if id != nil && *id <= 0 {
		verr.Add(field, field+" must be a positive integer")
	}
}

// =============================================================================
// Metadata
// =============================================================================

// DecodeMetadata decodes a raw JSON metadata value. Absent and null values
// yield nil; anything other than a JSON object is a validation failure.
func DecodeMetadata(raw json.RawMessage) (domain.Metadata, *Error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] != '{' {
		return nil, NewError("metadata", "metadata must be an object")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var md domain.Metadata
	if err := dec.Decode(&md); err != nil {
		return nil, NewError("metadata", "metadata must be an object")
	}
	return md, nil
}
