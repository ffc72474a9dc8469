package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/artpar/atlas/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for deployment records.
type Store interface {
	// Deployment operations
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id int64) (*domain.Deployment, error)
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	ListDeployments(ctx context.Context, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error)
	CountDeployments(ctx context.Context, filter DeploymentFilter) (int, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// DeploymentFilter narrows a deployment listing. Nil fields match everything.
type DeploymentFilter struct {
	EnvironmentID *int64
	ReleaseID     *int64
}

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// defaultListLimit applies when a caller passes no limit. Upper bounds are
// the caller's concern (see pagination.Limits).
const defaultListLimit = 100

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// =============================================================================
// Factory
// =============================================================================

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a store backend.
type Config struct {
	Driver   string
	DSN      string
	MaxConns int32
}

// Open connects to the configured backend and runs its migrations.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverSQLite, "sqlite3", "":
		return NewSQLiteStore(cfg.DSN)
	case DriverPostgres, "postgresql", "pgx":
		return NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns)
	default:
		return nil, NewStoreError("Open", "", "", fmt.Sprintf("unsupported driver %q", cfg.Driver), ErrUnsupportedDriver)
	}
}
