package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-feedback-service/internal/models"
)

// EmbeddingRepository persists the vectors backing the similarity index.
type EmbeddingRepository interface {
	Create(ctx context.Context, record *models.EmbeddingRecord) error
	ListOrdered(ctx context.Context, offset, limit int) ([]models.EmbeddingRecord, error)
	CountByReference(ctx context.Context, referenceID string) (int64, error)
}

type embeddingRepository struct {
	db *gorm.DB
}

// NewEmbeddingRepository builds a gorm backed repository.
func NewEmbeddingRepository(db *gorm.DB) EmbeddingRepository {
	return &embeddingRepository{db: db}
}

func (r *embeddingRepository) Create(ctx context.Context, record *models.EmbeddingRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

// ListOrdered pages through records in (created_at, id) order.
func (r *embeddingRepository) ListOrdered(ctx context.Context, offset, limit int) ([]models.EmbeddingRecord, error) {
	var records []models.EmbeddingRecord
	err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *embeddingRepository) CountByReference(ctx context.Context, referenceID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.EmbeddingRecord{}).
		Where("reference_id = ?", referenceID).
		Count(&count).Error
	return count, err
}
