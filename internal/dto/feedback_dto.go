package dto

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/gema-feedback-service/internal/apperror"
	"github.com/noah-isme/gema-feedback-service/internal/models"
	"github.com/noah-isme/gema-feedback-service/pkg/ai"
)

// ResultService tags every outbound feedback result.
const ResultService = "RAG"

// InboundMessage is the plagiarism screening result that triggers feedback generation.
type InboundMessage struct {
	SubmissionID    string                 `json:"submission_id" validate:"required,max=128"`
	StudentID       string                 `json:"student_id" validate:"required,max=128"`
	AssignmentID    string                 `json:"assignment_id" validate:"required,max=128"`
	ContentRef      string                 `json:"content_ref" validate:"required"`
	ImageURL        string                 `json:"img_url,omitempty"`
	PlagiarismScore float64                `json:"plagiarism_score"`
	SimilarSources  []models.SimilarSource `json:"similar_sources"`
}

// Normalize trims identifiers, resolves the img_url alias and clamps the score to [0,1].
func (m *InboundMessage) Normalize() {
	m.SubmissionID = strings.TrimSpace(m.SubmissionID)
	m.StudentID = strings.TrimSpace(m.StudentID)
	m.AssignmentID = strings.TrimSpace(m.AssignmentID)
	m.ContentRef = strings.TrimSpace(m.ContentRef)
	m.ImageURL = strings.TrimSpace(m.ImageURL)
	if m.ContentRef == "" {
		m.ContentRef = m.ImageURL
	}

	switch {
	case m.PlagiarismScore < 0:
		m.PlagiarismScore = 0
	case m.PlagiarismScore > 1:
		m.PlagiarismScore = 1
	}

	if m.SimilarSources == nil {
		m.SimilarSources = []models.SimilarSource{}
	}
}

// DecodeInboundMessage parses and validates a raw queue payload. Every failure
// is returned as an *apperror.ValidationError.
func DecodeInboundMessage(payload []byte, validate *validator.Validate) (InboundMessage, error) {
	var message InboundMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return InboundMessage{}, &apperror.ValidationError{Err: err}
	}
	message.Normalize()

	if err := ValidateInboundMessage(message, validate); err != nil {
		return InboundMessage{}, err
	}
	return message, nil
}

// ValidateInboundMessage runs the struct validation rules on an already decoded message.
func ValidateInboundMessage(message InboundMessage, validate *validator.Validate) error {
	if err := validate.Struct(message); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fieldErr := range fieldErrs {
				fields = append(fields, fieldErr.Field())
			}
			return &apperror.ValidationError{Fields: fields, Err: err}
		}
		return &apperror.ValidationError{Err: err}
	}
	return nil
}

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return validate
}

// FeedbackResult is the outbound message published for a completed submission.
type FeedbackResult struct {
	SubmissionID    string                 `json:"submission_id"`
	StudentID       string                 `json:"student_id"`
	AssignmentID    string                 `json:"assignment_id"`
	Feedback        ai.Feedback            `json:"feedback"`
	SummaryText     string                 `json:"summary_text"`
	GeneratedAt     time.Time              `json:"generated_at"`
	PlagiarismScore float64                `json:"plagiarism_score"`
	SimilarSources  []models.SimilarSource `json:"similar_sources"`
	SentAt          time.Time              `json:"sent_at"`
	Service         string                 `json:"service"`
}

// FeedbackStatusResponse describes the processing state of a submission.
type FeedbackStatusResponse struct {
	SubmissionID string     `json:"submission_id"`
	Status       string     `json:"status"`
	HasError     bool       `json:"has_error"`
	ErrorMessage string     `json:"error_message,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	HasFeedback  bool       `json:"has_feedback"`
	Summary      string     `json:"summary,omitempty"`
	ModelUsed    string     `json:"model_used,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// StatusNotFound is reported for submissions without a record.
const StatusNotFound = "not_found"

// NewFeedbackStatusResponse maps a stored request to its status view.
func NewFeedbackStatusResponse(request models.FeedbackRequest) FeedbackStatusResponse {
	createdAt := request.CreatedAt
	updatedAt := request.UpdatedAt
	response := FeedbackStatusResponse{
		SubmissionID: request.SubmissionID,
		Status:       request.Status,
		AttemptCount: request.AttemptCount,
		HasFeedback:  request.HasFeedback(),
		Summary:      request.FeedbackSummary,
		ModelUsed:    request.ModelUsed,
		CreatedAt:    &createdAt,
		UpdatedAt:    &updatedAt,
		CompletedAt:  request.CompletedAt,
	}
	if request.ErrorMessage != nil && *request.ErrorMessage != "" {
		response.HasError = true
		response.ErrorMessage = *request.ErrorMessage
	}
	return response
}

// CleanupResponse reports how many completed requests were removed.
type CleanupResponse struct {
	Deleted   int64     `json:"deleted"`
	OlderThan time.Time `json:"older_than"`
}

// AssignmentContextResponse is the admin view of a cached assignment context.
type AssignmentContextResponse struct {
	AssignmentID       string                     `json:"assignment_id"`
	Name               string                     `json:"name"`
	Type               string                     `json:"type"`
	Subject            string                     `json:"subject"`
	LearningObjectives []models.LearningObjective `json:"learning_objectives"`
	MaxScore           float64                    `json:"max_score"`
	Version            int                        `json:"version"`
	ValidUntil         time.Time                  `json:"valid_until"`
	SyncStatus         string                     `json:"sync_status"`
	LastSyncedAt       time.Time                  `json:"last_synced_at"`
}

// NewAssignmentContextResponse maps a stored context to its admin view.
func NewAssignmentContextResponse(entry models.AssignmentContext) AssignmentContextResponse {
	objectives, err := entry.Objectives()
	if err != nil || objectives == nil {
		objectives = []models.LearningObjective{}
	}
	return AssignmentContextResponse{
		AssignmentID:       entry.AssignmentID,
		Name:               entry.Name,
		Type:               entry.Type,
		Subject:            entry.Subject,
		LearningObjectives: objectives,
		MaxScore:           entry.MaxScore,
		Version:            entry.Version,
		ValidUntil:         entry.ValidUntil,
		SyncStatus:         entry.SyncStatus,
		LastSyncedAt:       entry.LastSyncedAt,
	}
}
