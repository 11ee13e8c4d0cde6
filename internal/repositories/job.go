package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reef-io/reef/internal/db"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Create inserts a new job record.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// GetByIDWithProfiles retrieves a job together with its JobProfile rows using
// two separate queries. Profiles are returned ordered by position so the
// runner executes them in the configured order without further sorting.
// GORM cannot auto-resolve UUID-typed foreign keys (see db/models.go).
func (r *gormJobRepository) GetByIDWithProfiles(ctx context.Context, id uuid.UUID) (*db.Job, []db.JobProfile, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("jobs: get by id with profiles: %w", err)
	}

	var profiles []db.JobProfile
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", id).
		Order("position ASC").
		Find(&profiles).Error; err != nil {
		return nil, nil, fmt.Errorf("jobs: get profiles for job %s: %w", id, err)
	}

	return &job, profiles, nil
}

// Update persists all fields of an existing job record.
func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a job and removes its profile links.
func (r *gormJobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&db.Job{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("jobs: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("job_id = ?", id).Delete(&db.JobProfile{}).Error; err != nil {
			return fmt.Errorf("jobs: delete profile links: %w", err)
		}
		return nil
	})
}

// List returns a paginated list of jobs and the total count,
// ordered by creation time descending (most recent first).
func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// ListDue returns enabled jobs whose next run time is at or before now,
// ordered by priority descending so the producer enqueues high-priority work
// first.
func (r *gormJobRepository) ListDue(ctx context.Context, now time.Time) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_run_time IS NOT NULL AND next_run_time <= ?", true, now).
		Order("priority DESC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list due: %w", err)
	}
	return jobs, nil
}

// UpdateScheduleState persists the scheduling fields after a run. Called from
// the scheduler only, so it deliberately does not touch any other columns.
func (r *gormJobRepository) UpdateScheduleState(ctx context.Context, id uuid.UUID, nextRun *time.Time, lastRun time.Time, consecutiveFailures int, enabled bool) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"next_run_time":        nextRun,
			"last_run_time":        lastRun,
			"consecutive_failures": consecutiveFailures,
			"enabled":              enabled,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: update schedule state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddProfile links a profile into a job at the given position.
func (r *gormJobRepository) AddProfile(ctx context.Context, jp *db.JobProfile) error {
	if err := r.db.WithContext(ctx).Create(jp).Error; err != nil {
		return fmt.Errorf("jobs: add profile: %w", err)
	}
	return nil
}

// RemoveProfile unlinks a profile from a job.
func (r *gormJobRepository) RemoveProfile(ctx context.Context, jobID, profileID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Where("job_id = ? AND profile_id = ?", jobID, profileID).
		Delete(&db.JobProfile{})
	if result.Error != nil {
		return fmt.Errorf("jobs: remove profile: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
