package quota

import (
	"context"

	"github.com/draftforge/draftforge/internal/models"
	"github.com/draftforge/draftforge/internal/storage"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the authoritative quota backend, shared by all process
// instances through postgres.
type GormStore struct {
	db *storage.Postgres
}

func NewGormStore(db *storage.Postgres) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Load(ctx context.Context, accountID uuid.UUID) (*models.QuotaRecord, error) {
	var record models.QuotaRecord
	err := s.db.DB.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&record).Error

	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *GormStore) Save(ctx context.Context, record *models.QuotaRecord) error {
	return s.db.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"tier",
				"day_start",
				"month_start",
				"daily_count",
				"monthly_count",
				"tokens_used_today",
				"tokens_used_month",
				"updated_at",
			}),
		}).
		Create(record).Error
}
