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

// gormImportProfileRepository is the GORM implementation of
// ImportProfileRepository.
type gormImportProfileRepository struct {
	db *gorm.DB
}

// NewImportProfileRepository returns an ImportProfileRepository backed by the
// provided *gorm.DB.
func NewImportProfileRepository(db *gorm.DB) ImportProfileRepository {
	return &gormImportProfileRepository{db: db}
}

// Create inserts a new import profile. Returns ErrConflict when the short
// code is already taken.
func (r *gormImportProfileRepository) Create(ctx context.Context, profile *db.ImportProfile) error {
	if err := r.db.WithContext(ctx).Create(profile).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("import profiles: create: %w", err)
	}
	return nil
}

// GetByID retrieves an import profile by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormImportProfileRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ImportProfile, error) {
	var profile db.ImportProfile
	err := r.db.WithContext(ctx).First(&profile, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("import profiles: get by id: %w", err)
	}
	return &profile, nil
}

// GetByCode retrieves an import profile by its short code ("I-XXXX").
func (r *gormImportProfileRepository) GetByCode(ctx context.Context, code string) (*db.ImportProfile, error) {
	var profile db.ImportProfile
	err := r.db.WithContext(ctx).First(&profile, "code = ?", code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("import profiles: get by code: %w", err)
	}
	return &profile, nil
}

// Update persists all fields of an existing import profile record.
func (r *gormImportProfileRepository) Update(ctx context.Context, profile *db.ImportProfile) error {
	result := r.db.WithContext(ctx).Save(profile)
	if result.Error != nil {
		return fmt.Errorf("import profiles: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes an import profile record.
func (r *gormImportProfileRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.ImportProfile{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("import profiles: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of import profiles and the total count,
// ordered by code ascending.
func (r *gormImportProfileRepository) List(ctx context.Context, opts ListOptions) ([]db.ImportProfile, int64, error) {
	var profiles []db.ImportProfile
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.ImportProfile{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("import profiles: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("code ASC").
		Find(&profiles).Error; err != nil {
		return nil, 0, fmt.Errorf("import profiles: list: %w", err)
	}

	return profiles, total, nil
}

// UpdateLastExecuted stamps the import profile's last execution time without
// touching any other field.
func (r *gormImportProfileRepository) UpdateLastExecuted(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.ImportProfile{}).
		Where("id = ?", id).
		Update("last_executed_at", at)
	if result.Error != nil {
		return fmt.Errorf("import profiles: update last executed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
