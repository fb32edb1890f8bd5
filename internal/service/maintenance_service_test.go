package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/noah-isme/gema-feedback-service/internal/contextcache"
	"github.com/noah-isme/gema-feedback-service/internal/models"
)

type stubContextCache struct {
	refreshed   []string
	invalidated []string
	known       map[string]bool
}

func (s *stubContextCache) Refresh(_ context.Context, assignmentID string) (models.AssignmentContext, error) {
	s.refreshed = append(s.refreshed, assignmentID)
	return models.AssignmentContext{
		AssignmentID:       assignmentID,
		Name:               "Draw a tree",
		LearningObjectives: datatypes.JSON(`[{"id":"LO1","text":"Shading"}]`),
		Version:            2,
		SyncStatus:         models.ContextSyncStatusSynced,
	}, nil
}

func (s *stubContextCache) Invalidate(_ context.Context, assignmentID string) error {
	if !s.known[assignmentID] {
		return contextcache.ErrContextNotFound
	}
	s.invalidated = append(s.invalidated, assignmentID)
	return nil
}

func TestCleanupCompletedDeletesOnlyOldCompletedRecords(t *testing.T) {
	f := newPipelineFixture(t)
	maintenance := NewMaintenanceService(f.requests, &stubContextCache{}, zerolog.Nop())
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -45)
	recent := time.Now().UTC().AddDate(0, 0, -2)
	fixtures := []models.FeedbackRequest{
		{SubmissionID: "old-completed", StudentID: "st", AssignmentID: "a1", Status: models.FeedbackStatusCompleted, AttemptCount: 1, CompletedAt: &old},
		{SubmissionID: "recent-completed", StudentID: "st", AssignmentID: "a1", Status: models.FeedbackStatusCompleted, AttemptCount: 1, CompletedAt: &recent},
		{SubmissionID: "old-failed", StudentID: "st", AssignmentID: "a1", Status: models.FeedbackStatusFailed, AttemptCount: 3, CompletedAt: &old},
	}
	require.NoError(t, f.db.Create(&fixtures).Error)

	response, err := maintenance.CleanupCompleted(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, int64(1), response.Deleted)

	var remaining []string
	require.NoError(t, f.db.Model(&models.FeedbackRequest{}).Order("submission_id").Pluck("submission_id", &remaining).Error)
	require.Equal(t, []string{"old-failed", "recent-completed"}, remaining)

	_, err = maintenance.CleanupCompleted(ctx, 0)
	require.ErrorIs(t, err, ErrInvalidCleanupWindow)
}

func TestContextMaintenanceDelegatesToCache(t *testing.T) {
	f := newPipelineFixture(t)
	cache := &stubContextCache{known: map[string]bool{"a1": true}}
	maintenance := NewMaintenanceService(f.requests, cache, zerolog.Nop())
	ctx := context.Background()

	response, err := maintenance.RefreshContext(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 2, response.Version)
	require.Len(t, response.LearningObjectives, 1)
	require.Equal(t, []string{"a1"}, cache.refreshed)

	require.NoError(t, maintenance.InvalidateContext(ctx, "a1"))
	require.ErrorIs(t, maintenance.InvalidateContext(ctx, "missing"), ErrAssignmentContextNotFound)
}
