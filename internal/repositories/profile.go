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

// gormProfileRepository is the GORM implementation of ProfileRepository.
type gormProfileRepository struct {
	db *gorm.DB
}

// NewProfileRepository returns a ProfileRepository backed by the provided
// *gorm.DB.
func NewProfileRepository(db *gorm.DB) ProfileRepository {
	return &gormProfileRepository{db: db}
}

// Create inserts a new export profile. Returns ErrConflict when the short
// code is already taken.
func (r *gormProfileRepository) Create(ctx context.Context, profile *db.Profile) error {
	if err := r.db.WithContext(ctx).Create(profile).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("profiles: create: %w", err)
	}
	return nil
}

// GetByID retrieves a profile by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormProfileRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Profile, error) {
	var profile db.Profile
	err := r.db.WithContext(ctx).First(&profile, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("profiles: get by id: %w", err)
	}
	return &profile, nil
}

// GetByCode retrieves a profile by its short code ("P-XXXX").
func (r *gormProfileRepository) GetByCode(ctx context.Context, code string) (*db.Profile, error) {
	var profile db.Profile
	err := r.db.WithContext(ctx).First(&profile, "code = ?", code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("profiles: get by code: %w", err)
	}
	return &profile, nil
}

// Update persists all fields of an existing profile record.
func (r *gormProfileRepository) Update(ctx context.Context, profile *db.Profile) error {
	result := r.db.WithContext(ctx).Save(profile)
	if result.Error != nil {
		return fmt.Errorf("profiles: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a profile record. Executions and delta state are kept
// for history; delta retention eventually clears the latter.
func (r *gormProfileRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Profile{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("profiles: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of profiles and the total count,
// ordered by code ascending.
func (r *gormProfileRepository) List(ctx context.Context, opts ListOptions) ([]db.Profile, int64, error) {
	var profiles []db.Profile
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Profile{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("profiles: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("code ASC").
		Find(&profiles).Error; err != nil {
		return nil, 0, fmt.Errorf("profiles: list: %w", err)
	}

	return profiles, total, nil
}

// ListEnabled returns all enabled profiles. Used by the dependency resolver
// to build the full graph.
func (r *gormProfileRepository) ListEnabled(ctx context.Context) ([]db.Profile, error) {
	var profiles []db.Profile
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("code ASC").
		Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("profiles: list enabled: %w", err)
	}
	return profiles, nil
}

// UpdateLastExecuted stamps the profile's last execution time without
// touching any other field.
func (r *gormProfileRepository) UpdateLastExecuted(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Profile{}).
		Where("id = ?", id).
		Update("last_executed_at", at)
	if result.Error != nil {
		return fmt.Errorf("profiles: update last executed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
