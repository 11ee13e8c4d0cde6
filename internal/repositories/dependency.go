package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reef-io/reef/internal/db"
)

// gormDependencyRepository is the GORM implementation of DependencyRepository.
type gormDependencyRepository struct {
	db *gorm.DB
}

// NewDependencyRepository returns a DependencyRepository backed by the
// provided *gorm.DB.
func NewDependencyRepository(db *gorm.DB) DependencyRepository {
	return &gormDependencyRepository{db: db}
}

// Add inserts a dependency edge. The unique pair index rejects duplicates;
// those surface as ErrConflict.
func (r *gormDependencyRepository) Add(ctx context.Context, dep *db.Dependency) error {
	if err := r.db.WithContext(ctx).Create(dep).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("dependencies: add: %w", err)
	}
	return nil
}

// Remove deletes the edge between a dependent and its prerequisite.
func (r *gormDependencyRepository) Remove(ctx context.Context, dependentID, prerequisiteID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Where("dependent_id = ? AND prerequisite_id = ?", dependentID, prerequisiteID).
		Delete(&db.Dependency{})
	if result.Error != nil {
		return fmt.Errorf("dependencies: remove: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAll returns every dependency edge. The resolver loads the whole graph
// at once; edge counts are small.
func (r *gormDependencyRepository) ListAll(ctx context.Context) ([]db.Dependency, error) {
	var deps []db.Dependency
	if err := r.db.WithContext(ctx).
		Order("execution_order ASC").
		Find(&deps).Error; err != nil {
		return nil, fmt.Errorf("dependencies: list all: %w", err)
	}
	return deps, nil
}

// ListByDependent returns the prerequisite edges of a single profile,
// ordered by execution order.
func (r *gormDependencyRepository) ListByDependent(ctx context.Context, dependentID uuid.UUID) ([]db.Dependency, error) {
	var deps []db.Dependency
	if err := r.db.WithContext(ctx).
		Where("dependent_id = ?", dependentID).
		Order("execution_order ASC").
		Find(&deps).Error; err != nil {
		return nil, fmt.Errorf("dependencies: list by dependent: %w", err)
	}
	return deps, nil
}

// Exists reports whether the exact edge is already present.
func (r *gormDependencyRepository) Exists(ctx context.Context, dependentID, prerequisiteID uuid.UUID) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&db.Dependency{}).
		Where("dependent_id = ? AND prerequisite_id = ?", dependentID, prerequisiteID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("dependencies: exists: %w", err)
	}
	return count > 0, nil
}
