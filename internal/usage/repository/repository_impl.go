package repository

import (
	"context"
	"time"

	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"gorm.io/gorm"
)

type usageRepo struct {
	db *gorm.DB
}

func New(db *gorm.DB) usagedomain.Repository {
	return &usageRepo{db: db}
}

func (r *usageRepo) ListRange(ctx context.Context, start, end time.Time, limit int) ([]usagedomain.UsageRecord, error) {
	query := r.db.WithContext(ctx).
		Where("recorded_at >= ? AND recorded_at < ?", start.UTC(), end.UTC()).
		Order("recorded_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []usagedomain.UsageRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *usageRepo) ListRecent(ctx context.Context, limit int) ([]usagedomain.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []usagedomain.UsageRecord
	err := r.db.WithContext(ctx).
		Order("recorded_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
