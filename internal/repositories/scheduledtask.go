package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/reef-io/reef/internal/db"
)

// gormScheduledTaskRepository is the GORM implementation of
// ScheduledTaskRepository.
type gormScheduledTaskRepository struct {
	db *gorm.DB
}

// NewScheduledTaskRepository returns a ScheduledTaskRepository backed by the
// provided *gorm.DB.
func NewScheduledTaskRepository(db *gorm.DB) ScheduledTaskRepository {
	return &gormScheduledTaskRepository{db: db}
}

// Upsert creates or replaces the task row for a target. One task per target;
// saving a profile schedule twice updates in place.
func (r *gormScheduledTaskRepository) Upsert(ctx context.Context, task *db.ScheduledTask) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "target_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"target_kind", "next_run_time", "updated_at"}),
	}).Create(task).Error; err != nil {
		return fmt.Errorf("scheduled tasks: upsert: %w", err)
	}
	return nil
}

// DeleteByTarget removes the task row for a target. Absence is not an error;
// switching a profile from manual to manual is a no-op.
func (r *gormScheduledTaskRepository) DeleteByTarget(ctx context.Context, targetID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Delete(&db.ScheduledTask{}).Error; err != nil {
		return fmt.Errorf("scheduled tasks: delete by target: %w", err)
	}
	return nil
}

// ListDue returns tasks whose next run time is at or before now.
func (r *gormScheduledTaskRepository) ListDue(ctx context.Context, now time.Time) ([]db.ScheduledTask, error) {
	var tasks []db.ScheduledTask
	if err := r.db.WithContext(ctx).
		Where("next_run_time IS NOT NULL AND next_run_time <= ?", now).
		Order("next_run_time ASC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("scheduled tasks: list due: %w", err)
	}
	return tasks, nil
}

// ListAll returns every task row. Used by the corruption sweep to reconcile
// tasks against their profiles.
func (r *gormScheduledTaskRepository) ListAll(ctx context.Context) ([]db.ScheduledTask, error) {
	var tasks []db.ScheduledTask
	if err := r.db.WithContext(ctx).Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("scheduled tasks: list all: %w", err)
	}
	return tasks, nil
}

// UpdateRunTimes persists next and last run times after a dispatch.
func (r *gormScheduledTaskRepository) UpdateRunTimes(ctx context.Context, id uuid.UUID, nextRun *time.Time, lastRun time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.ScheduledTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"next_run_time": nextRun,
			"last_run_at":   lastRun,
		})
	if result.Error != nil {
		return fmt.Errorf("scheduled tasks: update run times: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
