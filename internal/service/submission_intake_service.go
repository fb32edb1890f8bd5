package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-feedback-service/internal/dto"
	"github.com/noah-isme/gema-feedback-service/internal/models"
	"github.com/noah-isme/gema-feedback-service/internal/repository"
)

// MessagePublisher publishes a raw payload to a subject; msgID enables broker side de-duplication.
type MessagePublisher interface {
	Publish(ctx context.Context, subject, msgID string, data []byte) error
}

// SubmissionIntakeService accepts submissions over HTTP and feeds them to the queue.
type SubmissionIntakeService interface {
	Submit(ctx context.Context, msg dto.InboundMessage) (dto.FeedbackStatusResponse, error)
	Retry(ctx context.Context, submissionID string) (dto.FeedbackStatusResponse, error)
}

type submissionIntakeService struct {
	requests    repository.FeedbackRequestRepository
	publisher   MessagePublisher
	subject     string
	maxAttempts int
	validator   *validator.Validate
	logger      zerolog.Logger
}

// NewSubmissionIntakeService constructs the intake service.
func NewSubmissionIntakeService(requests repository.FeedbackRequestRepository, publisher MessagePublisher, subject string, maxAttempts int, validate *validator.Validate, logger zerolog.Logger) SubmissionIntakeService {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &submissionIntakeService{
		requests:    requests,
		publisher:   publisher,
		subject:     subject,
		maxAttempts: maxAttempts,
		validator:   validate,
		logger:      logger.With().Str("component", "submission_intake_service").Logger(),
	}
}

// Submit records a pending request when none exists and enqueues the message.
// Completed submissions are reported without enqueueing again.
func (s *submissionIntakeService) Submit(ctx context.Context, msg dto.InboundMessage) (dto.FeedbackStatusResponse, error) {
	msg.Normalize()
	if err := dto.ValidateInboundMessage(msg, s.validator); err != nil {
		return dto.FeedbackStatusResponse{}, err
	}

	request := newFeedbackRequest(msg)
	created, err := s.requests.CreatePending(ctx, &request)
	if err != nil {
		return dto.FeedbackStatusResponse{}, fmt.Errorf("create feedback request: %w", err)
	}
	if !created {
		request, err = s.requests.GetBySubmissionID(ctx, msg.SubmissionID)
		if err != nil {
			return dto.FeedbackStatusResponse{}, fmt.Errorf("load feedback request: %w", err)
		}
		if request.IsCompleted() {
			return dto.NewFeedbackStatusResponse(request), ErrAlreadyCompleted
		}
	}

	if err := s.enqueue(ctx, msg, msg.SubmissionID); err != nil {
		return dto.FeedbackStatusResponse{}, err
	}

	s.logger.Info().Str("submission_id", msg.SubmissionID).Bool("created", created).Msg("submission enqueued")
	return dto.NewFeedbackStatusResponse(request), nil
}

// Retry re-enqueues a failed submission that still has attempts left.
func (s *submissionIntakeService) Retry(ctx context.Context, submissionID string) (dto.FeedbackStatusResponse, error) {
	request, err := s.requests.GetBySubmissionID(ctx, submissionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.FeedbackStatusResponse{}, ErrFeedbackRequestNotFound
	}
	if err != nil {
		return dto.FeedbackStatusResponse{}, fmt.Errorf("load feedback request: %w", err)
	}

	if request.Status != models.FeedbackStatusFailed {
		return dto.NewFeedbackStatusResponse(request), ErrRetryNotAllowed
	}
	if !request.CanRetry(s.maxAttempts) {
		return dto.NewFeedbackStatusResponse(request), ErrAttemptsExhausted
	}

	msg := dto.InboundMessage{
		SubmissionID:    request.SubmissionID,
		StudentID:       request.StudentID,
		AssignmentID:    request.AssignmentID,
		ContentRef:      request.ContentRef,
		PlagiarismScore: request.PlagiarismScore,
	}
	if len(request.SimilarSources) > 0 {
		if err := json.Unmarshal(request.SimilarSources, &msg.SimilarSources); err != nil {
			s.logger.Warn().Err(err).Str("submission_id", submissionID).Msg("dropping undecodable similar sources")
		}
	}
	msg.Normalize()

	msgID := fmt.Sprintf("%s:retry:%d", request.SubmissionID, request.AttemptCount)
	if err := s.enqueue(ctx, msg, msgID); err != nil {
		return dto.FeedbackStatusResponse{}, err
	}

	s.logger.Info().Str("submission_id", submissionID).Int("attempt_count", request.AttemptCount).Msg("failed submission re-enqueued")
	return dto.NewFeedbackStatusResponse(request), nil
}

func (s *submissionIntakeService) enqueue(ctx context.Context, msg dto.InboundMessage, msgID string) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode inbound message: %w", err)
	}
	if err := s.publisher.Publish(ctx, s.subject, msgID, payload); err != nil {
		return fmt.Errorf("enqueue submission: %w", err)
	}
	return nil
}
