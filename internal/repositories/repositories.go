// Package repositories defines the data-access layer over the Reef catalog.
// Each entity gets an interface here and a GORM implementation in its own
// file. Services receive the interfaces by construction — nothing outside
// this package issues catalog SQL directly.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/reef-io/reef/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// ConnectionRepository
// -----------------------------------------------------------------------------

type ConnectionRepository interface {
	Create(ctx context.Context, conn *db.Connection) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Connection, error)
	GetByName(ctx context.Context, name string) (*db.Connection, error)
	Update(ctx context.Context, conn *db.Connection) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Connection, int64, error)
}

// -----------------------------------------------------------------------------
// DestinationRepository
// -----------------------------------------------------------------------------

type DestinationRepository interface {
	Create(ctx context.Context, dest *db.Destination) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Destination, error)
	Update(ctx context.Context, dest *db.Destination) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Destination, int64, error)
}

// -----------------------------------------------------------------------------
// ProfileRepository
// -----------------------------------------------------------------------------

type ProfileRepository interface {
	Create(ctx context.Context, profile *db.Profile) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Profile, error)
	GetByCode(ctx context.Context, code string) (*db.Profile, error)
	Update(ctx context.Context, profile *db.Profile) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Profile, int64, error)
	ListEnabled(ctx context.Context) ([]db.Profile, error)
	UpdateLastExecuted(ctx context.Context, id uuid.UUID, at time.Time) error
}

// -----------------------------------------------------------------------------
// ImportProfileRepository
// -----------------------------------------------------------------------------

type ImportProfileRepository interface {
	Create(ctx context.Context, profile *db.ImportProfile) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.ImportProfile, error)
	GetByCode(ctx context.Context, code string) (*db.ImportProfile, error)
	Update(ctx context.Context, profile *db.ImportProfile) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.ImportProfile, int64, error)
	UpdateLastExecuted(ctx context.Context, id uuid.UUID, at time.Time) error
}

// -----------------------------------------------------------------------------
// DependencyRepository
// -----------------------------------------------------------------------------

type DependencyRepository interface {
	// Add persists a validated dependency edge. Validation (existence,
	// self-edge, cycle, duplicate) is the resolver's responsibility — see
	// internal/depend.
	Add(ctx context.Context, dep *db.Dependency) error
	Remove(ctx context.Context, dependentID, prerequisiteID uuid.UUID) error
	ListAll(ctx context.Context) ([]db.Dependency, error)
	ListByDependent(ctx context.Context, dependentID uuid.UUID) ([]db.Dependency, error)
	Exists(ctx context.Context, dependentID, prerequisiteID uuid.UUID) (bool, error)
}

// -----------------------------------------------------------------------------
// ExecutionRepository
// -----------------------------------------------------------------------------

type ExecutionRepository interface {
	Create(ctx context.Context, exec *db.Execution) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error)

	// GetByIDWithSplits retrieves an execution together with its split
	// records as a separate slice (uuid.UUID primary keys defeat GORM's
	// foreign key resolution; see db/models.go).
	GetByIDWithSplits(ctx context.Context, id uuid.UUID) (*db.Execution, []db.ExecutionSplit, error)

	Update(ctx context.Context, exec *db.Execution) error
	ListByProfile(ctx context.Context, profileID uuid.UUID, opts ListOptions) ([]db.Execution, int64, error)

	// LatestSuccess returns the most recent successful execution for a
	// profile, or ErrNotFound. Used by the dependency resolver's
	// completed-prerequisite probe.
	LatestSuccess(ctx context.Context, profileID uuid.UUID) (*db.Execution, error)

	CreateSplit(ctx context.Context, split *db.ExecutionSplit) error
	UpdateSplit(ctx context.Context, split *db.ExecutionSplit) error
	ListSplits(ctx context.Context, executionID uuid.UUID) ([]db.ExecutionSplit, error)

	BulkCreateRowErrors(ctx context.Context, rowErrors []db.RowError) error
	ListRowErrors(ctx context.Context, executionID uuid.UUID, opts ListOptions) ([]db.RowError, int64, error)
}

// -----------------------------------------------------------------------------
// DeltaStateRepository
// -----------------------------------------------------------------------------

type DeltaStateRepository interface {
	// LoadActive returns the non-deleted reef_id → row_hash map for a profile.
	LoadActive(ctx context.Context, profileID uuid.UUID) (map[string]string, error)

	// UpsertBatch inserts or updates state rows in transactions of at most
	// batchLimit rows each, clearing the deleted flag on every touched row.
	UpsertBatch(ctx context.Context, states []db.DeltaState, batchLimit int) error

	// MarkDeleted flips is_deleted on the given reef ids.
	MarkDeleted(ctx context.Context, profileID uuid.UUID, reefIDs []string, at time.Time) error

	DeleteAll(ctx context.Context, profileID uuid.UUID) error
	DeleteRows(ctx context.Context, profileID uuid.UUID, reefIDs []string) error

	// PurgeDeletedBefore removes tombstoned rows last seen before the cutoff.
	PurgeDeletedBefore(ctx context.Context, profileID uuid.UUID, cutoff time.Time) (int64, error)

	GetSchema(ctx context.Context, profileID uuid.UUID) (*db.DeltaSchema, error)
	SaveSchema(ctx context.Context, schema *db.DeltaSchema) error
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)

	// GetByIDWithProfiles retrieves a job together with its JobProfile rows
	// ordered by position.
	GetByIDWithProfiles(ctx context.Context, id uuid.UUID) (*db.Job, []db.JobProfile, error)

	Update(ctx context.Context, job *db.Job) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)

	// ListDue returns enabled jobs whose next_run_time is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]db.Job, error)

	// UpdateScheduleState persists next/last run times and the consecutive
	// failure counter after a run.
	UpdateScheduleState(ctx context.Context, id uuid.UUID, nextRun *time.Time, lastRun time.Time, consecutiveFailures int, enabled bool) error

	AddProfile(ctx context.Context, jp *db.JobProfile) error
	RemoveProfile(ctx context.Context, jobID, profileID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// ScheduledTaskRepository
// -----------------------------------------------------------------------------

type ScheduledTaskRepository interface {
	Upsert(ctx context.Context, task *db.ScheduledTask) error
	DeleteByTarget(ctx context.Context, targetID uuid.UUID) error
	ListDue(ctx context.Context, now time.Time) ([]db.ScheduledTask, error)
	ListAll(ctx context.Context) ([]db.ScheduledTask, error)
	UpdateRunTimes(ctx context.Context, id uuid.UUID, nextRun *time.Time, lastRun time.Time) error
}

// -----------------------------------------------------------------------------
// WebhookRepository
// -----------------------------------------------------------------------------

type WebhookRepository interface {
	Create(ctx context.Context, trigger *db.WebhookTrigger) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*db.WebhookTrigger, error)
	Update(ctx context.Context, trigger *db.WebhookTrigger) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.WebhookTrigger, int64, error)

	// RecordTrigger bumps the trigger counter and last-triggered timestamp.
	RecordTrigger(ctx context.Context, id uuid.UUID, at time.Time) error
}
