// Package tracker records the deployment lifecycle: creation, completion and
// queries. It is part of the imperative shell; the transitions themselves are
// the pure functions in internal/core/domain.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/atlas/internal/core/auth"
	"github.com/artpar/atlas/internal/core/domain"
	"github.com/artpar/atlas/internal/core/pagination"
	"github.com/artpar/atlas/internal/core/validation"
	"github.com/artpar/atlas/internal/shell/store"
)

// =============================================================================
// Service Errors
// =============================================================================

// ErrNotFound is returned when no deployment has the requested id.
var ErrNotFound = errors.New("deployment not found")

// PersistenceError reports a failed read or write against the store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s deployment: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies err for logs and metrics.
func ErrorKind(err error) string {
	var verr *validation.Error
	var perr *PersistenceError
	switch {
	case errors.As(err, &verr):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &perr):
		return "persistence"
	default:
		return "unknown"
	}
}

// =============================================================================
// Recorder
// =============================================================================

// Recorder receives lifecycle events. metrics.Collector implements it.
type Recorder interface {
	DeploymentCreated()
	DeploymentCompleted(durationMilliseconds *int64)
	OperationFailed(operation, kind string)
}

type nopRecorder struct{}

func (nopRecorder) DeploymentCreated()             {}
func (nopRecorder) DeploymentCompleted(*int64)     {}
func (nopRecorder) OperationFailed(string, string) {}

// =============================================================================
// Service
// =============================================================================

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithRecorder sets the lifecycle event recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithPageLimits overrides the default and maximum page sizes for List.
func WithPageLimits(limits pagination.Limits) Option {
	return func(s *Service) { s.limits = limits }
}

// Service implements the deployment creation, completion and query operations.
type Service struct {
	store    store.Store
	now      func() time.Time
	logger   *slog.Logger
	recorder Recorder
	limits   pagination.Limits
}

// NewService creates a deployment tracking service.
func NewService(s store.Store, opts ...Option) *Service {
	svc := &Service{
		store:    s,
		now:      time.Now,
		logger:   slog.Default(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	if svc.recorder == nil {
		svc.recorder = nopRecorder{}
	}
	return svc
}

// =============================================================================
// Inputs
// =============================================================================

// CreateInput holds the caller-supplied fields for a new deployment.
// StartedAt is an ISO 8601 string; nil or empty means "now".
type CreateInput struct {
	EnvironmentID *int64
	ReleaseID     *int64
	StartedAt     *string
	DeployedBy    *string
	Metadata      domain.Metadata
}

// CompleteInput holds the fields of a completion update. EndedAt nil or
// empty means "now". Nil scalar fields are left unchanged.
type CompleteInput struct {
	EndedAt       *string
	Metadata      domain.Metadata
	EnvironmentID *int64
	ReleaseID     *int64
	DeployedBy    *string
}

// ListResult is one page of deployments.
type ListResult struct {
	Data []domain.Deployment `json:"data"`
	Meta pagination.Meta     `json:"meta"`
}

// =============================================================================
// Create
// =============================================================================

// Create validates in, defaults started_at to the current time and deployed_by
// to the authenticated actor, and stores a new open deployment.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Deployment, error) {
	startedAt, verr := validation.ValidateCreateDeploymentFields(in.EnvironmentID, in.ReleaseID, in.StartedAt)
	if verr != nil {
		return nil, s.fail("create", verr)
	}

	deployedBy := in.DeployedBy
	if deployedBy == nil {
		deployedBy = auth.FromContext(ctx).Actor()
	}

	deployment, err := domain.NewDeployment(domain.NewDeploymentParams{
		EnvironmentID: *in.EnvironmentID,
		ReleaseID:     in.ReleaseID,
		DeployedBy:    deployedBy,
		StartedAt:     startedAt,
		Metadata:      in.Metadata,
	}, s.now())
	if err != nil {
		return nil, s.fail("create", domainValidationError(err))
	}

	if err := s.store.CreateDeployment(ctx, deployment); err != nil {
		return nil, s.fail("create", &PersistenceError{Op: "create", Err: err})
	}

	s.recorder.DeploymentCreated()
	s.logger.Info("deployment created",
		"deployment_id", deployment.ID,
		"environment_id", deployment.EnvironmentID,
		"started_at", *deployment.StartedAt,
	)

	return deployment, nil
}

// =============================================================================
// Complete
// =============================================================================

// Complete marks deployment id as finished. The duration is derived from the
// stored started_at and metadata is merged, incoming keys winning. The read,
// transition and write share one transaction; concurrent completions are
// last-write-wins.
func (s *Service) Complete(ctx context.Context, id int64, in CompleteInput) (*domain.Deployment, error) {
	endedAt, verr := validation.ValidateCompleteDeploymentFields(in.EndedAt, in.EnvironmentID, in.ReleaseID)
	if verr != nil {
		return nil, s.fail("complete", verr)
	}

	var completed domain.Deployment
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		current, err := tx.GetDeployment(ctx, id)
		if err != nil {
			return lookupError("complete", id, err)
		}

		completed, err = domain.Complete(*current, domain.Completion{
			EndedAt:       endedAt,
			Metadata:      in.Metadata,
			EnvironmentID: in.EnvironmentID,
			ReleaseID:     in.ReleaseID,
			DeployedBy:    in.DeployedBy,
		}, s.now())
		if err != nil {
			return domainValidationError(err)
		}

		if err := tx.UpdateDeployment(ctx, &completed); err != nil {
			return lookupError("complete", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, s.fail("complete", classify("complete", err))
	}

	s.recorder.DeploymentCompleted(completed.DurationMilliseconds)
	attrs := []any{"deployment_id", completed.ID, "ended_at", *completed.EndedAt}
	if completed.DurationMilliseconds != nil {
		attrs = append(attrs, "duration_milliseconds", *completed.DurationMilliseconds)
	}
	s.logger.Info("deployment completed", attrs...)

	return &completed, nil
}

// =============================================================================
// Queries
// =============================================================================

// Get returns the stored deployment. Nothing is recomputed on read.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Deployment, error) {
	deployment, err := s.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, s.fail("get", lookupError("get", id, err))
	}
	return deployment, nil
}

// List returns one page of deployments, newest first, with page metadata.
func (s *Service) List(ctx context.Context, filter store.DeploymentFilter, page pagination.Params) (*ListResult, error) {
	page = page.Normalize(s.limits)

	var (
		total int
		rows  []domain.Deployment
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		if total, err = tx.CountDeployments(ctx, filter); err != nil {
			return err
		}
		rows, err = tx.ListDeployments(ctx, filter, store.ListOptions{
			Limit:  page.PerPage,
			Offset: page.Offset(),
		})
		return err
	})
	if err != nil {
		return nil, s.fail("list", &PersistenceError{Op: "list", Err: err})
	}

	return &ListResult{
		Data: rows,
		Meta: pagination.NewMeta(page, total, len(rows)),
	}, nil
}

// =============================================================================
// Error Mapping
// =============================================================================

func (s *Service) fail(op string, err error) error {
	kind := ErrorKind(err)
	s.recorder.OperationFailed(op, kind)
	if kind == "persistence" || kind == "unknown" {
		s.logger.Error("deployment operation failed", "operation", op, "error", err)
	} else {
		s.logger.Debug("deployment operation rejected", "operation", op, "kind", kind, "error", err)
	}
	return err
}

// lookupError maps a store error for deployment id into ErrNotFound or a
// PersistenceError.
func lookupError(op string, id int64, err error) error {
	if store.IsNotFound(err) {
		return fmt.Errorf("%w: id %d: %w", ErrNotFound, id, err)
	}
	return &PersistenceError{Op: op, Err: err}
}

// classify passes already-mapped errors through and wraps the rest, such as
// begin or commit failures, as persistence errors.
func classify(op string, err error) error {
	if ErrorKind(err) != "unknown" {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func domainValidationError(err error) error {
	switch {
	case errors.Is(err, domain.ErrEndedBeforeStarted):
		return validation.NewError("ended_at", "ended_at must not be before started_at")
	case errors.Is(err, domain.ErrStartedInFuture):
		return validation.NewError("started_at", "started_at is after the current time used for ended_at; send ended_at explicitly")
	case errors.Is(err, domain.ErrEnvironmentRequired):
		return validation.NewError("environment_id", "environment_id must be a positive integer")
	default:
		return err
	}
}
