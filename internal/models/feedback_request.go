package models

import (
	"time"

	"gorm.io/datatypes"
)

// FeedbackRequest tracks the processing state of one submission's feedback.
type FeedbackRequest struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	SubmissionID       string         `gorm:"size:128;not null;uniqueIndex" json:"submission_id"`
	StudentID          string         `gorm:"size:128;not null;index" json:"student_id"`
	AssignmentID       string         `gorm:"size:128;not null;index" json:"assignment_id"`
	ContentRef         string         `gorm:"type:text;not null" json:"content_ref"`
	PlagiarismScore    float64        `gorm:"not null;default:0" json:"plagiarism_score"`
	SimilarSources     datatypes.JSON `json:"similar_sources"`
	SimilarSubmissions datatypes.JSON `json:"similar_submissions"`
	Status             string         `gorm:"size:32;not null;index" json:"status"`
	AttemptCount       int            `gorm:"not null;default:0" json:"attempt_count"`
	GeneratedFeedback  datatypes.JSON `json:"generated_feedback"`
	FeedbackSummary    string         `gorm:"type:text" json:"feedback_summary"`
	ErrorMessage       *string        `gorm:"type:text" json:"error_message"`
	ModelUsed          string         `gorm:"size:64" json:"model_used"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	CompletedAt        *time.Time     `json:"completed_at"`
}

const (
	// FeedbackStatusPending marks a record accepted through intake but not yet attempted.
	FeedbackStatusPending = "pending"
	// FeedbackStatusProcessing marks a record with an attempt in flight.
	FeedbackStatusProcessing = "processing"
	// FeedbackStatusCompleted marks a record whose feedback was generated and dispatched.
	FeedbackStatusCompleted = "completed"
	// FeedbackStatusFailed marks a record whose latest attempt failed.
	FeedbackStatusFailed = "failed"
)

// SimilarSource is one plagiarism match reported by the upstream screener.
type SimilarSource struct {
	Reference string  `json:"reference"`
	Score     float64 `json:"score"`
}

// SimilarSubmission is one nearest-neighbour hit computed by the similarity index.
type SimilarSubmission struct {
	ReferenceID string  `json:"reference_id"`
	Distance    float64 `json:"distance"`
}

// IsCompleted reports whether feedback was already delivered for the submission.
func (r FeedbackRequest) IsCompleted() bool {
	return r.Status == FeedbackStatusCompleted
}

// HasFeedback reports whether generated feedback is stored on the record.
func (r FeedbackRequest) HasFeedback() bool {
	return len(r.GeneratedFeedback) > 0 && string(r.GeneratedFeedback) != "null"
}

// CanRetry reports whether another attempt is permitted under the attempt bound.
func (r FeedbackRequest) CanRetry(maxAttempts int) bool {
	return r.Status == FeedbackStatusFailed && r.AttemptCount < maxAttempts
}
