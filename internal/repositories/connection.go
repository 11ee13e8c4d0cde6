package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/reef-io/reef/internal/db"
)

// gormConnectionRepository is the GORM implementation of ConnectionRepository.
type gormConnectionRepository struct {
	db *gorm.DB
}

// NewConnectionRepository returns a ConnectionRepository backed by the
// provided *gorm.DB.
func NewConnectionRepository(db *gorm.DB) ConnectionRepository {
	return &gormConnectionRepository{db: db}
}

// Create inserts a new connection record. Returns ErrConflict when the name
// is already taken.
func (r *gormConnectionRepository) Create(ctx context.Context, conn *db.Connection) error {
	if err := r.db.WithContext(ctx).Create(conn).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("connections: create: %w", err)
	}
	return nil
}

// GetByID retrieves a connection by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormConnectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Connection, error) {
	var conn db.Connection
	err := r.db.WithContext(ctx).First(&conn, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("connections: get by id: %w", err)
	}
	return &conn, nil
}

// GetByName retrieves a connection by its unique name.
func (r *gormConnectionRepository) GetByName(ctx context.Context, name string) (*db.Connection, error) {
	var conn db.Connection
	err := r.db.WithContext(ctx).First(&conn, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("connections: get by name: %w", err)
	}
	return &conn, nil
}

// Update persists all fields of an existing connection record.
func (r *gormConnectionRepository) Update(ctx context.Context, conn *db.Connection) error {
	result := r.db.WithContext(ctx).Save(conn)
	if result.Error != nil {
		return fmt.Errorf("connections: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a connection record.
func (r *gormConnectionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Connection{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("connections: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of connections and the total count,
// ordered by name ascending.
func (r *gormConnectionRepository) List(ctx context.Context, opts ListOptions) ([]db.Connection, int64, error) {
	var conns []db.Connection
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Connection{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("connections: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("name ASC").
		Find(&conns).Error; err != nil {
		return nil, 0, fmt.Errorf("connections: list: %w", err)
	}

	return conns, total, nil
}
