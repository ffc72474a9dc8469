package store

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/atlas/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
// The pool is limited to one connection, so ":memory:" databases are shared
// by every query and writes are serialized.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sqlx.Open("sqlite3", sqliteDSN(dsn))
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runSQLiteMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_busy_timeout=5000"
}

// runSQLiteMigrations runs database migrations using embedded SQL files.
func runSQLiteMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations/sqlite")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return NewStoreError("Ping", "", "", err.Error(), ErrConnectionFailed)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID                   int64   `db:"id"`
	EnvironmentID        int64   `db:"environment_id"`
	ReleaseID            *int64  `db:"release_id"`
	DeployedBy           *string `db:"deployed_by"`
	StartedAt            *string `db:"started_at"`
	EndedAt              *string `db:"ended_at"`
	DurationMilliseconds *int64  `db:"duration_milliseconds"`
	Metadata             *string `db:"metadata"`
	CreatedAt            string  `db:"created_at"`
	UpdatedAt            string  `db:"updated_at"`
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id int64) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) ListDeployments(ctx context.Context, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, filter, opts)
}

func (s *SQLiteStore) CountDeployments(ctx context.Context, filter DeploymentFilter) (int, error) {
	return countDeployments(ctx, s.db, filter)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return rollbackFailed(err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id int64) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) ListDeployments(ctx context.Context, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.tx, filter, opts)
}

func (s *txSQLiteStore) CountDeployments(ctx context.Context, filter DeploymentFilter) (int, error) {
	return countDeployments(ctx, s.tx, filter)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just execute the function
	return fn(s)
}

func (s *txSQLiteStore) Ping(ctx context.Context) error {
	return nil
}

func (s *txSQLiteStore) Close() error {
	// Transaction store doesn't own the connection
	return nil
}

// =============================================================================
// Deployment Implementation
// =============================================================================

func createDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	metadataJSON, err := encodeMetadata(deployment.Metadata)
	if err != nil {
		return NewStoreError("CreateDeployment", "deployment", "", "failed to serialize metadata", ErrInvalidData)
	}

	query := `
		INSERT INTO deployments (
			environment_id, release_id, deployed_by,
			started_at, ended_at, duration_milliseconds,
			metadata, created_at, updated_at
		) VALUES (
			:environment_id, :release_id, :deployed_by,
			:started_at, :ended_at, :duration_milliseconds,
			:metadata, :created_at, :updated_at
		)`

	row := map[string]any{
		"environment_id":        deployment.EnvironmentID,
		"release_id":            deployment.ReleaseID,
		"deployed_by":           deployment.DeployedBy,
		"started_at":            formatOptionalTime(deployment.StartedAt),
		"ended_at":              formatOptionalTime(deployment.EndedAt),
		"duration_milliseconds": deployment.DurationMilliseconds,
		"metadata":              metadataJSON,
		"created_at":            formatTime(deployment.CreatedAt),
		"updated_at":            formatTime(deployment.UpdatedAt),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("CreateDeployment", "deployment", "", err.Error(), err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return NewStoreError("CreateDeployment", "deployment", "", "failed to read inserted id", err)
	}
	deployment.ID = id

	return nil
}

func getDeployment(ctx context.Context, exec executor, id int64) (*domain.Deployment, error) {
	query := `SELECT * FROM deployments WHERE id = ?`

	var row deploymentRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", formatID(id), "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", formatID(id), err.Error(), err)
	}

	return rowToDeployment(&row)
}

func updateDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	metadataJSON, err := encodeMetadata(deployment.Metadata)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", formatID(deployment.ID), "failed to serialize metadata", ErrInvalidData)
	}

	query := `
		UPDATE deployments SET
			environment_id = :environment_id,
			release_id = :release_id,
			deployed_by = :deployed_by,
			started_at = :started_at,
			ended_at = :ended_at,
			duration_milliseconds = :duration_milliseconds,
			metadata = :metadata,
			updated_at = :updated_at
		WHERE id = :id`

	row := map[string]any{
		"id":                    deployment.ID,
		"environment_id":        deployment.EnvironmentID,
		"release_id":            deployment.ReleaseID,
		"deployed_by":           deployment.DeployedBy,
		"started_at":            formatOptionalTime(deployment.StartedAt),
		"ended_at":              formatOptionalTime(deployment.EndedAt),
		"duration_milliseconds": deployment.DurationMilliseconds,
		"metadata":              metadataJSON,
		"updated_at":            formatTime(deployment.UpdatedAt),
	}

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", formatID(deployment.ID), err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateDeployment", "deployment", formatID(deployment.ID), "deployment not found", ErrNotFound)
	}

	return nil
}

func listDeployments(ctx context.Context, exec executor, filter DeploymentFilter, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	where, args := sqliteWhere(filter)
	query := `SELECT * FROM deployments` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	var rows []deploymentRow
	err := exec.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, NewStoreError("ListDeployments", "deployment", "", err.Error(), err)
	}

	deployments := make([]domain.Deployment, 0, len(rows))
	for _, row := range rows {
		deployment, err := rowToDeployment(&row)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}

	return deployments, nil
}

func countDeployments(ctx context.Context, exec executor, filter DeploymentFilter) (int, error) {
	where, args := sqliteWhere(filter)
	query := `SELECT COUNT(*) FROM deployments` + where

	var count int
	if err := exec.GetContext(ctx, &count, query, args...); err != nil {
		return 0, NewStoreError("CountDeployments", "deployment", "", err.Error(), err)
	}
	return count, nil
}

func sqliteWhere(filter DeploymentFilter) (string, []any) {
	var clauses []string
	var args []any
	if filter.EnvironmentID != nil {
		clauses = append(clauses, "environment_id = ?")
		args = append(args, *filter.EnvironmentID)
	}
	if filter.ReleaseID != nil {
		clauses = append(clauses, "release_id = ?")
		args = append(args, *filter.ReleaseID)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	id := formatID(row.ID)

	createdAt, err := parseTime(row.CreatedAt)
	if err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", id, "failed to parse created_at", ErrInvalidData)
	}
	updatedAt, err := parseTime(row.UpdatedAt)
	if err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", id, "failed to parse updated_at", ErrInvalidData)
	}
	startedAt, err := parseOptionalTime(row.StartedAt)
	if err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", id, "failed to parse started_at", ErrInvalidData)
	}
	endedAt, err := parseOptionalTime(row.EndedAt)
	if err != nil {
		return nil, NewStoreError("rowToDeployment", "deployment", id, "failed to parse ended_at", ErrInvalidData)
	}

	var metadata domain.Metadata
	if row.Metadata != nil {
		metadata, err = decodeMetadata([]byte(*row.Metadata))
		if err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", id, "failed to parse metadata", ErrInvalidData)
		}
	}

	return &domain.Deployment{
		ID:                   row.ID,
		EnvironmentID:        row.EnvironmentID,
		ReleaseID:            row.ReleaseID,
		DeployedBy:           row.DeployedBy,
		StartedAt:            startedAt,
		EndedAt:              endedAt,
		DurationMilliseconds: row.DurationMilliseconds,
		Metadata:             metadata,
		CreatedAt:            createdAt,
		UpdatedAt:            updatedAt,
	}, nil
}

// encodeMetadata returns nil for absent metadata so the column stays NULL.
func encodeMetadata(md domain.Metadata) (*string, error) {
	if md == nil {
		return nil, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func decodeMetadata(data []byte) (domain.Metadata, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var md domain.Metadata
	if err := dec.Decode(&md); err != nil {
		return nil, err
	}
	return md, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatOptionalTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func parseOptionalTime(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
