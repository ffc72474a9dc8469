package domain

import (
	"errors"
	"maps"
	"time"
)

// =============================================================================
// Deployment Errors
// =============================================================================

var (
	ErrEnvironmentRequired = errors.New("environment is required")
	ErrEndedBeforeStarted  = errors.New("ended_at must not be before started_at")
	ErrStartedInFuture     = errors.New("current time precedes started_at")
)

// =============================================================================
// Metadata
// =============================================================================

// Metadata is the free-form key/value map attached to a deployment.
type Metadata map[string]any

// MergeMetadata returns the shallow union of existing and incoming, with
// incoming keys winning on conflict. A nil incoming map leaves existing
// unchanged; a nil existing map yields a copy of incoming. Neither argument
// is modified.
//
// Example:
//
//	MergeMetadata(Metadata{"b": 2}, Metadata{"a": 1}) // {"a": 1, "b": 2}
//	MergeMetadata(Metadata{"b": 2}, Metadata{"b": 3}) // {"b": 3}
func MergeMetadata(existing, incoming Metadata) Metadata {
	if incoming == nil {
		return existing
	}
	merged := make(Metadata, len(existing)+len(incoming))
	maps.Copy(merged, existing)
	maps.Copy(merged, incoming)
	return merged
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment records one release being applied to one environment.
type Deployment struct {
	ID                   int64      `json:"id"`
	EnvironmentID        int64      `json:"environment_id"`
	ReleaseID            *int64     `json:"release_id"`
	DeployedBy           *string    `json:"deployed_by"`
	StartedAt            *time.Time `json:"started_at"`
	EndedAt              *time.Time `json:"ended_at"`
	DurationMilliseconds *int64     `json:"duration_milliseconds"`
	Metadata             Metadata   `json:"metadata"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// IsCompleted reports whether the deployment has an end time.
func (d Deployment) IsCompleted() bool {
	return d.EndedAt != nil
}

// NewDeploymentParams holds the caller-supplied fields for a new deployment.
type NewDeploymentParams struct {
	EnvironmentID int64
	ReleaseID     *int64
	DeployedBy    *string
	StartedAt     *time.Time
	Metadata      Metadata
}

// NewDeployment builds an unsaved deployment. StartedAt defaults to now.
// EndedAt and DurationMilliseconds are always left unset.
func NewDeployment(params NewDeploymentParams, now time.Time) (*Deployment, error) {
	if params.EnvironmentID <= 0 {
		return nil, ErrEnvironmentRequired
	}

	now = now.UTC()
	startedAt := now
	if params.StartedAt != nil {
		startedAt = params.StartedAt.UTC()
	}

	return &Deployment{
		EnvironmentID: params.EnvironmentID,
		ReleaseID:     params.ReleaseID,
		DeployedBy:    params.DeployedBy,
		StartedAt:     &startedAt,
		Metadata:      params.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// =============================================================================
// Completion
// =============================================================================

// Completion describes a completion update. Nil fields are left untouched,
// except EndedAt which falls back to the current time.
type Completion struct {
	EndedAt       *time.Time
	Metadata      Metadata
	EnvironmentID *int64
	ReleaseID     *int64
	DeployedBy    *string
}

// Complete returns a copy of d with the completion applied:
//   - EndedAt is the supplied end time, or now when absent.
//   - DurationMilliseconds is EndedAt - StartedAt, only if StartedAt is set.
//   - Metadata is merged with MergeMetadata.
//
// The duration is always computed from the stored StartedAt, so repeated
// completions are not cumulative. An end time before the start time is
// rejected with ErrEndedBeforeStarted, or ErrStartedInFuture when the end
// time was defaulted to now.
func Complete(d Deployment, c Completion, now time.Time) (Deployment, error) {
	now = now.UTC()
	endedAt := now
	if c.EndedAt != nil {
		endedAt = c.EndedAt.UTC()
	}

	var duration *int64
	if d.StartedAt != nil {
		ms, err := DurationMilliseconds(*d.StartedAt, endedAt)
		if err != nil {
			if c.EndedAt == nil {
				return Deployment{}, ErrStartedInFuture
			}
			return Deployment{}, err
		}
		duration = &ms
	}

	if c.EnvironmentID != nil {
		if *c.EnvironmentID <= 0 {
			return Deployment{}, ErrEnvironmentRequired
		}
		d.EnvironmentID = *c.EnvironmentID
	}
	if c.ReleaseID != nil {
		d.ReleaseID = c.ReleaseID
	}
	if c.DeployedBy != nil {
		d.DeployedBy = c.DeployedBy
	}

	d.EndedAt = &endedAt
	d.DurationMilliseconds = duration
	d.Metadata = MergeMetadata(d.Metadata, c.Metadata)
	d.UpdatedAt = now

	return d, nil
}

// DurationMilliseconds returns the whole milliseconds elapsed between
// startedAt and endedAt. Seconds and nanoseconds are subtracted separately
// so spans longer than time.Duration can hold stay exact.
func DurationMilliseconds(startedAt, endedAt time.Time) (int64, error) {
	if endedAt.Before(startedAt) {
		return 0, ErrEndedBeforeStarted
	}
	ms := (endedAt.Unix() - startedAt.Unix()) * 1000
	nanos := int64(endedAt.Nanosecond()) - int64(startedAt.Nanosecond())
	if nanos < 0 {
		ms -= 1000
		nanos += int64(time.Second)
	}
	return ms + nanos/int64(time.Millisecond), nil
}
