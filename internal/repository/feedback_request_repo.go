package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-feedback-service/internal/models"
)

// ErrNoRowsUpdated is returned when a conditional transition matched no record.
var ErrNoRowsUpdated = errors.New("no rows updated")

// FeedbackCompletion carries the fields written when an attempt succeeds.
type FeedbackCompletion struct {
	Feedback           datatypes.JSON
	Summary            string
	SimilarSubmissions datatypes.JSON
	ModelUsed          string
	CompletedAt        time.Time
}

// FeedbackFailure carries the fields written when an attempt fails.
type FeedbackFailure struct {
	Message            string
	Feedback           datatypes.JSON
	SimilarSubmissions datatypes.JSON
	FailedAt           time.Time
}

// FeedbackRequestRepository persists feedback request state keyed by submission id.
type FeedbackRequestRepository interface {
	BeginAttempt(ctx context.Context, request models.FeedbackRequest, maxAttempts int) (models.FeedbackRequest, bool, error)
	CreatePending(ctx context.Context, request *models.FeedbackRequest) (bool, error)
	GetBySubmissionID(ctx context.Context, submissionID string) (models.FeedbackRequest, error)
	Complete(ctx context.Context, submissionID string, attempt int, completion FeedbackCompletion) error
	Fail(ctx context.Context, submissionID string, attempt int, failure FeedbackFailure) error
	ListCompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.FeedbackRequest, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type feedbackRequestRepository struct {
	db *gorm.DB
}

// NewFeedbackRequestRepository builds a gorm backed repository.
func NewFeedbackRequestRepository(db *gorm.DB) FeedbackRequestRepository {
	return &feedbackRequestRepository{db: db}
}

// BeginAttempt inserts the request as processing with one attempt, or moves an
// existing record back to processing and increments its attempt count. The
// update only happens while the record is not completed and still has attempts
// left. The returned flag reports whether an attempt was started; the returned
// record reflects the stored state either way.
func (r *feedbackRequestRepository) BeginAttempt(ctx context.Context, request models.FeedbackRequest, maxAttempts int) (models.FeedbackRequest, bool, error) {
	now := time.Now().UTC()
	request.ID = 0
	request.Status = models.FeedbackStatusProcessing
	request.AttemptCount = 1
	request.ErrorMessage = nil
	request.CompletedAt = nil
	request.CreatedAt = now
	request.UpdatedAt = now

	var (
		stored  models.FeedbackRequest
		started bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "submission_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"status":        models.FeedbackStatusProcessing,
				"attempt_count": gorm.Expr("feedback_requests.attempt_count + 1"),
				"error_message": nil,
				"completed_at":  nil,
				"updated_at":    now,
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Neq{Column: clause.Column{Table: "feedback_requests", Name: "status"}, Value: models.FeedbackStatusCompleted},
				clause.Lt{Column: clause.Column{Table: "feedback_requests", Name: "attempt_count"}, Value: maxAttempts},
			}},
		}).Create(&request)
		if result.Error != nil {
			return result.Error
		}
		started = result.RowsAffected > 0

		return tx.Where("submission_id = ?", request.SubmissionID).First(&stored).Error
	})
	if err != nil {
		return models.FeedbackRequest{}, false, err
	}

	return stored, started, nil
}

// CreatePending stores a pending record unless one already exists for the submission.
func (r *feedbackRequestRepository) CreatePending(ctx context.Context, request *models.FeedbackRequest) (bool, error) {
	request.Status = models.FeedbackStatusPending
	request.AttemptCount = 0

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "submission_id"}},
		DoNothing: true,
	}).Create(request)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *feedbackRequestRepository) GetBySubmissionID(ctx context.Context, submissionID string) (models.FeedbackRequest, error) {
	var request models.FeedbackRequest
	if err := r.db.WithContext(ctx).Where("submission_id = ?", submissionID).First(&request).Error; err != nil {
		return models.FeedbackRequest{}, err
	}
	return request, nil
}

// Complete moves the record of the given attempt from processing to completed.
func (r *feedbackRequestRepository) Complete(ctx context.Context, submissionID string, attempt int, completion FeedbackCompletion) error {
	completedAt := completion.CompletedAt.UTC()
	return r.transition(ctx, submissionID, attempt, map[string]interface{}{
		"status":              models.FeedbackStatusCompleted,
		"generated_feedback":  completion.Feedback,
		"feedback_summary":    completion.Summary,
		"similar_submissions": completion.SimilarSubmissions,
		"model_used":          completion.ModelUsed,
		"error_message":       nil,
		"completed_at":        completedAt,
		"updated_at":          completedAt,
	})
}

// Fail moves the record of the given attempt from processing to failed.
// Feedback computed before the failure is kept when provided.
func (r *feedbackRequestRepository) Fail(ctx context.Context, submissionID string, attempt int, failure FeedbackFailure) error {
	failedAt := failure.FailedAt.UTC()
	updates := map[string]interface{}{
		"status":        models.FeedbackStatusFailed,
		"error_message": failure.Message,
		"completed_at":  failedAt,
		"updated_at":    failedAt,
	}
	if len(failure.Feedback) > 0 {
		updates["generated_feedback"] = failure.Feedback
	}
	if len(failure.SimilarSubmissions) > 0 {
		updates["similar_submissions"] = failure.SimilarSubmissions
	}
	return r.transition(ctx, submissionID, attempt, updates)
}

func (r *feedbackRequestRepository) transition(ctx context.Context, submissionID string, attempt int, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.FeedbackRequest{}).
		Where("submission_id = ? AND status = ? AND attempt_count = ?", submissionID, models.FeedbackStatusProcessing, attempt).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNoRowsUpdated
	}
	return nil
}

func (r *feedbackRequestRepository) ListCompletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.FeedbackRequest, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND completed_at < ?", models.FeedbackStatusCompleted, cutoff.UTC()).
		Order("completed_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var requests []models.FeedbackRequest
	if err := query.Find(&requests).Error; err != nil {
		return nil, err
	}
	return requests, nil
}

func (r *feedbackRequestRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND completed_at < ?", models.FeedbackStatusCompleted, cutoff.UTC()).
		Delete(&models.FeedbackRequest{})
	return result.RowsAffected, result.Error
}
