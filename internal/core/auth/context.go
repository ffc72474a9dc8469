// Package auth extracts the calling actor from gateway-injected headers.
// Atlas sits behind an API gateway that authenticates callers; this package
// only reads the identity the gateway forwards.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

// =============================================================================
// Context Key
// =============================================================================

type contextKey string

const authContextKey contextKey = "auth"

// =============================================================================
// Types
// =============================================================================

// Source names where an actor identity came from.
type Source string

const (
	SourceNone   Source = ""
	SourceHeader Source = "header"
	SourceBearer Source = "bearer"
)

// Context represents the caller identity for a request.
type Context struct {
	// ActorID is the gateway user reference (X-User-ID header or Bearer sub claim).
	ActorID string

	// KeyID is the API key ID if API key authentication was used.
	KeyID string

	// OrganizationID is the caller's organization, when the gateway sends one.
	OrganizationID string

	Source        Source
	Authenticated bool
}

// Actor returns the actor ID as an optional value, nil when unauthenticated.
func (c Context) Actor() *string {
	if !c.Authenticated || c.ActorID == "" {
		return nil
	}
	actor := c.ActorID
	return &actor
}

// =============================================================================
// Header Constants
// =============================================================================

const (
	// HeaderUserID is the header containing the authenticated user's ID
	HeaderUserID = "X-User-ID"

	// HeaderKeyID is the header containing the API key ID
	HeaderKeyID = "X-Key-ID"

	// HeaderOrganizationID is the header containing the organization ID
	HeaderOrganizationID = "X-Organization-ID"

	// HeaderGatewaySecret carries the shared secret proving the request came
	// through the gateway.
	HeaderGatewaySecret = "X-Gateway-Secret"

	HeaderAuthorization = "Authorization"
)

// =============================================================================
// Context Extraction
// =============================================================================

// ExtractFromRequest extracts auth context from HTTP request headers.
// If no identity header is present, returns an unauthenticated context.
func ExtractFromRequest(r *http.Request) Context {
	return ExtractFromHeaders(r.Header)
}

// HeaderGetter is an interface for getting header values.
// http.Header satisfies it; MapHeaderGetter is provided for tests.
type HeaderGetter interface {
	Get(key string) string
}

// ExtractFromHeaders extracts auth context from headers. Pure function.
//
// Identity sources (checked in order):
//  1. X-User-ID header
//  2. Authorization: Bearer {jwt}, using the payload's sub claim
//
// Bearer signatures are not verified; the gateway has already done so.
func ExtractFromHeaders(headers HeaderGetter) Context {
	actorID := strings.TrimSpace(headers.Get(HeaderUserID))
	if actorID != "" {
		return Context{
			ActorID:        actorID,
			KeyID:          headers.Get(HeaderKeyID),
			OrganizationID: headers.Get(HeaderOrganizationID),
			Source:         SourceHeader,
			Authenticated:  true,
		}
	}

	claims := parseBearer(headers.Get(HeaderAuthorization))
	if claims == nil || claims.Sub == "" {
		return Context{Authenticated: false}
	}

	orgID := claims.OrgID
	if orgID == "" {
		orgID = headers.Get(HeaderOrganizationID)
	}
	return Context{
		ActorID:        claims.Sub,
		OrganizationID: orgID,
		Source:         SourceBearer,
		Authenticated:  true,
	}
}

// jwtClaims holds the fields extracted from a JWT payload.
type jwtClaims struct {
	Sub   string `json:"sub"`
	OrgID string `json:"org"`
}

// parseBearer extracts claims from a Bearer token by base64-decoding the payload.
func parseBearer(authHeader string) *jwtClaims {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return nil
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}
	return &claims
}

// =============================================================================
// Context Storage
// =============================================================================

// WithContext stores the auth context in the request context.
func WithContext(ctx context.Context, authCtx Context) context.Context {
	return context.WithValue(ctx, authContextKey, authCtx)
}

// FromContext retrieves the auth context from the request context.
// If no auth context is found, returns an unauthenticated context.
func FromContext(ctx context.Context) Context {
	if authCtx, ok := ctx.Value(authContextKey).(Context); ok {
		return authCtx
	}
	return Context{Authenticated: false}
}

// =============================================================================
// Helper Types for Testing
// =============================================================================

// MapHeaderGetter wraps a map to implement HeaderGetter interface.
type MapHeaderGetter map[string]string

func (m MapHeaderGetter) Get(key string) string {
	return m[key]
}
