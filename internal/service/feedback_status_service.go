package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-feedback-service/internal/dto"
	"github.com/noah-isme/gema-feedback-service/internal/repository"
)

// FeedbackStatusService answers status queries for submissions.
type FeedbackStatusService interface {
	Status(ctx context.Context, submissionID string) (dto.FeedbackStatusResponse, error)
}

type feedbackStatusService struct {
	requests repository.FeedbackRequestRepository
	logger   zerolog.Logger
}

// NewFeedbackStatusService constructs the status service.
func NewFeedbackStatusService(requests repository.FeedbackRequestRepository, logger zerolog.Logger) FeedbackStatusService {
	return &feedbackStatusService{
		requests: requests,
		logger:   logger.With().Str("component", "feedback_status_service").Logger(),
	}
}

// Status reports the stored state. A submission without a record is reported
// with status not_found rather than an error.
func (s *feedbackStatusService) Status(ctx context.Context, submissionID string) (dto.FeedbackStatusResponse, error) {
	request, err := s.requests.GetBySubmissionID(ctx, submissionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dto.FeedbackStatusResponse{SubmissionID: submissionID, Status: dto.StatusNotFound}, nil
	}
	if err != nil {
		s.logger.Error().Err(err).Str("submission_id", submissionID).Msg("failed to load feedback request")
		return dto.FeedbackStatusResponse{}, err
	}
	return dto.NewFeedbackStatusResponse(request), nil
}
