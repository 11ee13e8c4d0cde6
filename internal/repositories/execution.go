package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reef-io/reef/internal/db"
)

// gormExecutionRepository is the GORM implementation of ExecutionRepository.
type gormExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository returns an ExecutionRepository backed by the
// provided *gorm.DB.
func NewExecutionRepository(db *gorm.DB) ExecutionRepository {
	return &gormExecutionRepository{db: db}
}

// Create inserts a new execution record at run start.
func (r *gormExecutionRepository) Create(ctx context.Context, exec *db.Execution) error {
	if err := r.db.WithContext(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("executions: create: %w", err)
	}
	return nil
}

// GetByID retrieves an execution by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error) {
	var exec db.Execution
	err := r.db.WithContext(ctx).First(&exec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("executions: get by id: %w", err)
	}
	return &exec, nil
}

// GetByIDWithSplits retrieves an execution together with its split records
// using two separate queries. Splits are returned independently rather than
// embedded, because GORM cannot auto-resolve UUID-typed foreign keys (see
// db/models.go for rationale). Splits are ordered by creation time so the
// caller can replay production order.
func (r *gormExecutionRepository) GetByIDWithSplits(ctx context.Context, id uuid.UUID) (*db.Execution, []db.ExecutionSplit, error) {
	var exec db.Execution
	err := r.db.WithContext(ctx).First(&exec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("executions: get by id with splits: %w", err)
	}

	var splits []db.ExecutionSplit
	if err := r.db.WithContext(ctx).
		Where("execution_id = ?", id).
		Order("created_at ASC").
		Find(&splits).Error; err != nil {
		return nil, nil, fmt.Errorf("executions: get splits for execution %s: %w", id, err)
	}

	return &exec, splits, nil
}

// Update persists all fields of an existing execution record. Pipelines call
// this once per phase transition.
func (r *gormExecutionRepository) Update(ctx context.Context, exec *db.Execution) error {
	result := r.db.WithContext(ctx).Save(exec)
	if result.Error != nil {
		return fmt.Errorf("executions: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByProfile returns a paginated list of executions for a profile,
// most recent first, together with the total count.
func (r *gormExecutionRepository) ListByProfile(ctx context.Context, profileID uuid.UUID, opts ListOptions) ([]db.Execution, int64, error) {
	var execs []db.Execution
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Execution{}).
		Where("profile_id = ?", profileID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list by profile count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("started_at DESC").
		Find(&execs).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list by profile: %w", err)
	}

	return execs, total, nil
}

// LatestSuccess returns the most recent successful execution for a profile.
// Returns ErrNotFound when the profile has never completed successfully.
func (r *gormExecutionRepository) LatestSuccess(ctx context.Context, profileID uuid.UUID) (*db.Execution, error) {
	var exec db.Execution
	err := r.db.WithContext(ctx).
		Where("profile_id = ? AND status = ?", profileID, db.ExecSuccess).
		Order("completed_at DESC").
		First(&exec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("executions: latest success: %w", err)
	}
	return &exec, nil
}

// -----------------------------------------------------------------------------
// ExecutionSplit
// -----------------------------------------------------------------------------

// CreateSplit inserts a new split record. Called once per split artifact when
// the split plan is materialised.
func (r *gormExecutionRepository) CreateSplit(ctx context.Context, split *db.ExecutionSplit) error {
	if err := r.db.WithContext(ctx).Create(split).Error; err != nil {
		return fmt.Errorf("executions: create split: %w", err)
	}
	return nil
}

// UpdateSplit persists the outcome of one split after its delivery attempt.
func (r *gormExecutionRepository) UpdateSplit(ctx context.Context, split *db.ExecutionSplit) error {
	result := r.db.WithContext(ctx).Save(split)
	if result.Error != nil {
		return fmt.Errorf("executions: update split: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSplits returns all split records for an execution, ordered by creation
// time ascending.
func (r *gormExecutionRepository) ListSplits(ctx context.Context, executionID uuid.UUID) ([]db.ExecutionSplit, error) {
	var splits []db.ExecutionSplit
	if err := r.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at ASC").
		Find(&splits).Error; err != nil {
		return nil, fmt.Errorf("executions: list splits: %w", err)
	}
	return splits, nil
}

// -----------------------------------------------------------------------------
// RowError
// -----------------------------------------------------------------------------

// BulkCreateRowErrors inserts multiple row error records in a single
// transaction. Errors are collected during an import run and flushed in
// batches to keep write pressure off the hot loop.
func (r *gormExecutionRepository) BulkCreateRowErrors(ctx context.Context, rowErrors []db.RowError) error {
	if len(rowErrors) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&rowErrors).Error; err != nil {
		return fmt.Errorf("executions: bulk create row errors: %w", err)
	}
	return nil
}

// ListRowErrors returns a paginated list of row errors for an execution in
// line order, together with the total count.
func (r *gormExecutionRepository) ListRowErrors(ctx context.Context, executionID uuid.UUID, opts ListOptions) ([]db.RowError, int64, error) {
	var rowErrors []db.RowError
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.RowError{}).
		Where("execution_id = ?", executionID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list row errors count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("line_number ASC").
		Find(&rowErrors).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list row errors: %w", err)
	}

	return rowErrors, total, nil
}
