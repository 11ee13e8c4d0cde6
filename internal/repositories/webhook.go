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

// gormWebhookRepository is the GORM implementation of WebhookRepository.
type gormWebhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository returns a WebhookRepository backed by the provided
// *gorm.DB.
func NewWebhookRepository(db *gorm.DB) WebhookRepository {
	return &gormWebhookRepository{db: db}
}

// Create inserts a new webhook trigger. Only the token hash ever reaches the
// repository; raw tokens live for the duration of the mint response.
func (r *gormWebhookRepository) Create(ctx context.Context, trigger *db.WebhookTrigger) error {
	if err := r.db.WithContext(ctx).Create(trigger).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("webhooks: create: %w", err)
	}
	return nil
}

// GetByTokenHash retrieves a trigger by the base64 SHA-256 of the presented
// token. Returns ErrNotFound for unknown hashes; the HTTP layer maps that to
// 404 without distinguishing unknown from revoked.
func (r *gormWebhookRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*db.WebhookTrigger, error) {
	var trigger db.WebhookTrigger
	err := r.db.WithContext(ctx).First(&trigger, "token_hash = ?", tokenHash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhooks: get by token hash: %w", err)
	}
	return &trigger, nil
}

// Update persists all fields of an existing trigger record.
func (r *gormWebhookRepository) Update(ctx context.Context, trigger *db.WebhookTrigger) error {
	result := r.db.WithContext(ctx).Save(trigger)
	if result.Error != nil {
		return fmt.Errorf("webhooks: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a trigger record.
func (r *gormWebhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.WebhookTrigger{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("webhooks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of triggers and the total count, ordered by
// creation time descending.
func (r *gormWebhookRepository) List(ctx context.Context, opts ListOptions) ([]db.WebhookTrigger, int64, error) {
	var triggers []db.WebhookTrigger
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.WebhookTrigger{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&triggers).Error; err != nil {
		return nil, 0, fmt.Errorf("webhooks: list: %w", err)
	}

	return triggers, total, nil
}

// RecordTrigger bumps the trigger counter and stamps the last-triggered time.
func (r *gormWebhookRepository) RecordTrigger(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.WebhookTrigger{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"trigger_count":     gorm.Expr("trigger_count + 1"),
			"last_triggered_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("webhooks: record trigger: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
