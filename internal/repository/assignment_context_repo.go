package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-feedback-service/internal/models"
)

// AssignmentContextRepository stores cached assignment contexts.
type AssignmentContextRepository interface {
	GetByAssignmentID(ctx context.Context, assignmentID string) (models.AssignmentContext, error)
	Upsert(ctx context.Context, entry models.AssignmentContext) (models.AssignmentContext, error)
	Expire(ctx context.Context, assignmentID string, at time.Time) error
}

type assignmentContextRepository struct {
	db *gorm.DB
}

// NewAssignmentContextRepository builds a gorm backed repository.
func NewAssignmentContextRepository(db *gorm.DB) AssignmentContextRepository {
	return &assignmentContextRepository{db: db}
}

func (r *assignmentContextRepository) GetByAssignmentID(ctx context.Context, assignmentID string) (models.AssignmentContext, error) {
	var entry models.AssignmentContext
	if err := r.db.WithContext(ctx).Where("assignment_id = ?", assignmentID).First(&entry).Error; err != nil {
		return models.AssignmentContext{}, err
	}
	return entry, nil
}

// Upsert inserts the entry with version 1 or overwrites the existing row and
// bumps its version, then returns the stored row.
func (r *assignmentContextRepository) Upsert(ctx context.Context, entry models.AssignmentContext) (models.AssignmentContext, error) {
	entry.ID = 0
	entry.Version = 1

	updates := clause.AssignmentColumns([]string{
		"name", "type", "subject", "description", "learning_objectives", "max_score",
		"reference_image", "valid_until", "sync_status", "last_synced_at", "updated_at",
	})
	updates = append(updates, clause.Assignment{
		Column: clause.Column{Name: "version"},
		Value:  gorm.Expr("assignment_contexts.version + 1"),
	})

	var stored models.AssignmentContext
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "assignment_id"}},
			DoUpdates: updates,
		}).Create(&entry).Error; err != nil {
			return err
		}
		return tx.Where("assignment_id = ?", entry.AssignmentID).First(&stored).Error
	})
	if err != nil {
		return models.AssignmentContext{}, err
	}
	return stored, nil
}

// Expire moves valid_until to the given instant so the entry is no longer served.
func (r *assignmentContextRepository) Expire(ctx context.Context, assignmentID string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.AssignmentContext{}).
		Where("assignment_id = ?", assignmentID).
		Updates(map[string]interface{}{
			"valid_until": at.UTC(),
			"sync_status": models.ContextSyncStatusInvalidated,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
