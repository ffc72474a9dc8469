package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/atlas/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// =============================================================================
// PG Executor Interface - Shared by Pool and Transaction
// =============================================================================

// pgExecutor abstracts the query methods shared by *pgxpool.Pool and pgx.Tx.
type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// PostgresStore
// =============================================================================

// PostgresStore implements Store using PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL, runs migrations and returns the store.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, NewStoreError("NewPostgresStore", "", "", fmt.Sprintf("parse pg config: %v", err), ErrConnectionFailed)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, NewStoreError("NewPostgresStore", "", "", fmt.Sprintf("create pg pool: %v", err), ErrConnectionFailed)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, NewStoreError("NewPostgresStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runPostgresMigrations(poolCfg.ConnConfig); err != nil {
		pool.Close()
		return nil, NewStoreError("NewPostgresStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool. Migrations are not run.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// runPostgresMigrations applies the embedded migrations over a dedicated
// database/sql connection, closed once migrations finish.
func runPostgresMigrations(connCfg *pgx.ConnConfig) error {
	db := stdlib.OpenDB(*connCfg)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations/postgres")
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return NewStoreError("Ping", "", "", err.Error(), ErrConnectionFailed)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return pgCreateDeployment(ctx, s.pool, deployment)
}

func (s *PostgresStore) GetDeployment(ctx context.Context, id int64) (*domain.Deployment, error) {
	return pgGetDeployment(ctx, s.pool, id)
}

func (s *PostgresStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return pgUpdateDeployment(ctx, s.pool, deployment)
}

func (s *PostgresStore) ListDeployments(ctx context.Context, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error) {
	return pgListDeployments(ctx, s.pool, filter, opts)
}

func (s *PostgresStore) CountDeployments(ctx context.Context, filter DeploymentFilter) (int, error) {
	return pgCountDeployments(ctx, s.pool, filter)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	if err := fn(&txPostgresStore{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return rollbackFailed(err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// txPostgresStore implements Store within a transaction.
type txPostgresStore struct {
	tx pgx.Tx
}

func (s *txPostgresStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return pgCreateDeployment(ctx, s.tx, deployment)
}

func (s *txPostgresStore) GetDeployment(ctx context.Context, id int64) (*domain.Deployment, error) {
	return pgGetDeployment(ctx, s.tx, id)
}

func (s *txPostgresStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return pgUpdateDeployment(ctx, s.tx, deployment)
}

func (s *txPostgresStore) ListDeployments(ctx context.Context, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error) {
	return pgListDeployments(ctx, s.tx, filter, opts)
}

func (s *txPostgresStore) CountDeployments(ctx context.Context, filter DeploymentFilter) (int, error) {
	return pgCountDeployments(ctx, s.tx, filter)
}

func (s *txPostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

func (s *txPostgresStore) Ping(ctx context.Context) error {
	return nil
}

func (s *txPostgresStore) Close() error {
	return nil
}

// =============================================================================
// Deployment Implementation
// =============================================================================

const pgDeploymentColumns = `id, environment_id, release_id, deployed_by,
	started_at, ended_at, duration_milliseconds, metadata, created_at, updated_at`

func pgCreateDeployment(ctx context.Context, exec pgExecutor, deployment *domain.Deployment) error {
	metadataJSON, err := pgMetadata(deployment.Metadata)
	if err != nil {
		return NewStoreError("CreateDeployment", "deployment", "", "failed to serialize metadata", ErrInvalidData)
	}

	const query = `
		INSERT INTO deployments (
			environment_id, release_id, deployed_by,
			started_at, ended_at, duration_milliseconds,
			metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`

	err = exec.QueryRow(ctx, query,
		deployment.EnvironmentID, deployment.ReleaseID, deployment.DeployedBy,
		deployment.StartedAt, deployment.EndedAt, deployment.DurationMilliseconds,
		metadataJSON, deployment.CreatedAt.UTC(), deployment.UpdatedAt.UTC(),
	).Scan(&deployment.ID)
	if err != nil {
		return NewStoreError("CreateDeployment", "deployment", "", err.Error(), err)
	}

	return nil
}

func pgGetDeployment(ctx context.Context, exec pgExecutor, id int64) (*domain.Deployment, error) {
	query := `SELECT ` + pgDeploymentColumns + ` FROM deployments WHERE id = $1`

	deployment, err := scanDeployment(exec.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", formatID(id), "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", formatID(id), err.Error(), err)
	}
	return deployment, nil
}

func pgUpdateDeployment(ctx context.Context, exec pgExecutor, deployment *domain.Deployment) error {
	metadataJSON, err := pgMetadata(deployment.Metadata)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", formatID(deployment.ID), "failed to serialize metadata", ErrInvalidData)
	}

	const query = `
		UPDATE deployments SET
			environment_id = $2,
			release_id = $3,
			deployed_by = $4,
			started_at = $5,
			ended_at = $6,
			duration_milliseconds = $7,
			metadata = $8,
			updated_at = $9
		WHERE id = $1`

	tag, err := exec.Exec(ctx, query,
		deployment.ID, deployment.EnvironmentID, deployment.ReleaseID, deployment.DeployedBy,
		deployment.StartedAt, deployment.EndedAt, deployment.DurationMilliseconds,
		metadataJSON, deployment.UpdatedAt.UTC(),
	)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", formatID(deployment.ID), err.Error(), err)
	}
	if tag.RowsAffected() == 0 {
		return NewStoreError("UpdateDeployment", "deployment", formatID(deployment.ID), "deployment not found", ErrNotFound)
	}

	return nil
}

func pgListDeployments(ctx context.Context, exec pgExecutor, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	where, args := pgWhere(filter)
	idx := len(args) + 1
	query := fmt.Sprintf(`SELECT %s FROM deployments%s ORDER BY id DESC LIMIT $%d OFFSET $%d`,
		pgDeploymentColumns, where, idx, idx+1)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := exec.Query(ctx, query, args...)
	if err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		deployment, err := scanDeployment(rows)
		if err != nil {
			return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
		}
		deployments = append(deployments, *deployment)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
	}

	return deployments, nil
}

func pgCountDeployments(ctx context.Context, exec pgExecutor, filter DeploymentFilter) (int, error) {
	where, args := pgWhere(filter)

	var count int
	if err := exec.QueryRow(ctx, `SELECT COUNT(1) FROM deployments`+where, args...).Scan(&count); err != nil {
		return 0, NewStoreError("CountDeployments", "deployment", "", err.Error(), err)
	}
	return count, nil
}

func pgWhere(filter DeploymentFilter) (string, []any) {
	var clauses []string
	var args []any
	if filter.EnvironmentID != nil {
		args = append(args, *filter.EnvironmentID)
		clauses = append(clauses, fmt.Sprintf("environment_id = $%d", len(args)))
	}
	if filter.ReleaseID != nil {
		args = append(args, *filter.ReleaseID)
		clauses = append(clauses, fmt.Sprintf("release_id = $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// scanDeployment reads one row selected with pgDeploymentColumns.
func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d            domain.Deployment
		metadataJSON []byte
		startedAt    *time.Time
		endedAt      *time.Time
	)
	err := row.Scan(&d.ID, &d.EnvironmentID, &d.ReleaseID, &d.DeployedBy,
		&startedAt, &endedAt, &d.DurationMilliseconds, &metadataJSON, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}

	md, err := decodeMetadata(metadataJSON)
	if err != nil {
		return nil, NewStoreError("scanDeployment", "deployment", formatID(d.ID), "failed to parse metadata", ErrInvalidData)
	}

	d.StartedAt = utcPtr(startedAt)
	d.EndedAt = utcPtr(endedAt)
	d.Metadata = md
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

// pgMetadata encodes metadata for a JSONB parameter; nil stays SQL NULL.
func pgMetadata(md domain.Metadata) ([]byte, error) {
	encoded, err := encodeMetadata(md)
	if err != nil || encoded == nil {
		return nil, err
	}
	return []byte(*encoded), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
