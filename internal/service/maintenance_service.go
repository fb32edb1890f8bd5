package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-feedback-service/internal/contextcache"
	"github.com/noah-isme/gema-feedback-service/internal/dto"
	"github.com/noah-isme/gema-feedback-service/internal/models"
	"github.com/noah-isme/gema-feedback-service/internal/repository"
)

// ContextCache is the subset of the assignment context cache used by admins.
type ContextCache interface {
	Refresh(ctx context.Context, assignmentID string) (models.AssignmentContext, error)
	Invalidate(ctx context.Context, assignmentID string) error
}

// MaintenanceService groups administrative operations on stored state.
type MaintenanceService interface {
	CleanupCompleted(ctx context.Context, days int) (dto.CleanupResponse, error)
	RefreshContext(ctx context.Context, assignmentID string) (dto.AssignmentContextResponse, error)
	InvalidateContext(ctx context.Context, assignmentID string) error
}

type maintenanceService struct {
	requests repository.FeedbackRequestRepository
	contexts ContextCache
	logger   zerolog.Logger
	now      func() time.Time
}

// NewMaintenanceService constructs the service.
func NewMaintenanceService(requests repository.FeedbackRequestRepository, contexts ContextCache, logger zerolog.Logger) MaintenanceService {
	return &maintenanceService{
		requests: requests,
		contexts: contexts,
		logger:   logger.With().Str("component", "maintenance_service").Logger(),
		now:      time.Now,
	}
}

// CleanupCompleted deletes completed requests finished more than days ago.
func (s *maintenanceService) CleanupCompleted(ctx context.Context, days int) (dto.CleanupResponse, error) {
	if days < 1 {
		return dto.CleanupResponse{}, ErrInvalidCleanupWindow
	}

	cutoff := s.now().UTC().AddDate(0, 0, -days)
	deleted, err := s.requests.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return dto.CleanupResponse{}, fmt.Errorf("delete completed requests: %w", err)
	}

	s.logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("completed feedback requests cleaned up")
	return dto.CleanupResponse{Deleted: deleted, OlderThan: cutoff}, nil
}

// RefreshContext forces a fetch of the assignment context from the LMS.
func (s *maintenanceService) RefreshContext(ctx context.Context, assignmentID string) (dto.AssignmentContextResponse, error) {
	entry, err := s.contexts.Refresh(ctx, assignmentID)
	if err != nil {
		return dto.AssignmentContextResponse{}, err
	}
	return dto.NewAssignmentContextResponse(entry), nil
}

// InvalidateContext expires the cached assignment context.
func (s *maintenanceService) InvalidateContext(ctx context.Context, assignmentID string) error {
	err := s.contexts.Invalidate(ctx, assignmentID)
	if errors.Is(err, contextcache.ErrContextNotFound) {
		return ErrAssignmentContextNotFound
	}
	return err
}
