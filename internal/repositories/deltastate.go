package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/reef-io/reef/internal/db"
)

// gormDeltaStateRepository is the GORM implementation of DeltaStateRepository.
type gormDeltaStateRepository struct {
	db *gorm.DB
}

// NewDeltaStateRepository returns a DeltaStateRepository backed by the
// provided *gorm.DB.
func NewDeltaStateRepository(db *gorm.DB) DeltaStateRepository {
	return &gormDeltaStateRepository{db: db}
}

// LoadActive returns the non-deleted reef_id → row_hash map for a profile.
// The whole active set is loaded up front; classification is an in-memory
// pass over the current snapshot against this map.
func (r *gormDeltaStateRepository) LoadActive(ctx context.Context, profileID uuid.UUID) (map[string]string, error) {
	type pair struct {
		ReefID  string
		RowHash string
	}
	var pairs []pair
	if err := r.db.WithContext(ctx).
		Model(&db.DeltaState{}).
		Where("profile_id = ? AND is_deleted = ?", profileID, false).
		Find(&pairs).Error; err != nil {
		return nil, fmt.Errorf("delta state: load active: %w", err)
	}

	known := make(map[string]string, len(pairs))
	for _, p := range pairs {
		known[p.ReefID] = p.RowHash
	}
	return known, nil
}

// UpsertBatch inserts or updates state rows in transactions of at most
// batchLimit rows each. Every touched row has its deleted flag cleared, so a
// resurrected id becomes active again. A failure in one batch stops the
// commit; already-committed batches stand, which is safe because re-emitting
// an unchanged row on the next run is a no-op.
func (r *gormDeltaStateRepository) UpsertBatch(ctx context.Context, states []db.DeltaState, batchLimit int) error {
	if len(states) == 0 {
		return nil
	}
	if batchLimit <= 0 {
		batchLimit = 1000
	}

	for start := 0; start < len(states); start += batchLimit {
		end := start + batchLimit
		if end > len(states) {
			end = len(states)
		}
		batch := states[start:end]

		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "profile_id"}, {Name: "reef_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"row_hash", "last_seen_at", "last_seen_execution_id", "is_deleted", "deleted_at",
				}),
			}).Create(&batch).Error
		})
		if err != nil {
			return fmt.Errorf("delta state: upsert batch [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

// MarkDeleted flips is_deleted on the given reef ids, stamping the deletion
// time. Ids are chunked to stay under SQL parameter limits.
func (r *gormDeltaStateRepository) MarkDeleted(ctx context.Context, profileID uuid.UUID, reefIDs []string, at time.Time) error {
	const chunk = 500
	for start := 0; start < len(reefIDs); start += chunk {
		end := start + chunk
		if end > len(reefIDs) {
			end = len(reefIDs)
		}
		if err := r.db.WithContext(ctx).
			Model(&db.DeltaState{}).
			Where("profile_id = ? AND reef_id IN ?", profileID, reefIDs[start:end]).
			Updates(map[string]interface{}{
				"is_deleted": true,
				"deleted_at": at,
			}).Error; err != nil {
			return fmt.Errorf("delta state: mark deleted: %w", err)
		}
	}
	return nil
}

// DeleteAll removes every state row for a profile. Backs the full reset
// operation and profile deletion cleanup.
func (r *gormDeltaStateRepository) DeleteAll(ctx context.Context, profileID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Delete(&db.DeltaState{}).Error; err != nil {
		return fmt.Errorf("delta state: delete all: %w", err)
	}
	return nil
}

// DeleteRows removes the state rows for specific reef ids, forcing them to
// classify as new on the next run.
func (r *gormDeltaStateRepository) DeleteRows(ctx context.Context, profileID uuid.UUID, reefIDs []string) error {
	const chunk = 500
	for start := 0; start < len(reefIDs); start += chunk {
		end := start + chunk
		if end > len(reefIDs) {
			end = len(reefIDs)
		}
		if err := r.db.WithContext(ctx).
			Where("profile_id = ? AND reef_id IN ?", profileID, reefIDs[start:end]).
			Delete(&db.DeltaState{}).Error; err != nil {
			return fmt.Errorf("delta state: delete rows: %w", err)
		}
	}
	return nil
}

// PurgeDeletedBefore removes tombstoned rows last seen before the cutoff.
// Returns the number of purged rows for the maintenance log.
func (r *gormDeltaStateRepository) PurgeDeletedBefore(ctx context.Context, profileID uuid.UUID, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("profile_id = ? AND is_deleted = ? AND last_seen_at < ?", profileID, true, cutoff).
		Delete(&db.DeltaState{})
	if result.Error != nil {
		return 0, fmt.Errorf("delta state: purge deleted: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// GetSchema returns the remembered column set hash for a profile, or
// ErrNotFound on first contact.
func (r *gormDeltaStateRepository) GetSchema(ctx context.Context, profileID uuid.UUID) (*db.DeltaSchema, error) {
	var schema db.DeltaSchema
	err := r.db.WithContext(ctx).First(&schema, "profile_id = ?", profileID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("delta state: get schema: %w", err)
	}
	return &schema, nil
}

// SaveSchema upserts the remembered column set hash for a profile.
func (r *gormDeltaStateRepository) SaveSchema(ctx context.Context, schema *db.DeltaSchema) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "profile_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"columns_hash", "updated_at"}),
	}).Create(schema).Error; err != nil {
		return fmt.Errorf("delta state: save schema: %w", err)
	}
	return nil
}
