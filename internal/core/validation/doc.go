// Package validation provides pure validation functions for API handlers.
//
// This package contains the functional core logic for validating deployment
// requests before they reach the store. All functions are pure (no I/O, no
// clock reads, no side effects).
//
// # Functions
//
//   - ParseTimestamp: Parse a caller-supplied timestamp
//   - ValidateCreateDeploymentFields: Validate required fields for deployment creation
//   - ValidateCompleteDeploymentFields: Validate fields for deployment completion
//   - DecodeMetadata: Decode a raw metadata value, requiring a JSON object
//
// # Usage
//
// The tracker service collects field errors into an *Error and returns it
// unchanged to the HTTP boundary, which renders it as 422:
//
//	parsed, verr := validation.ValidateCreateDeploymentFields(envID, releaseID, startedAt)
//	if verr != nil {
//	    return nil, verr
//	}
package validation
