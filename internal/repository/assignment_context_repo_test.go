package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-feedback-service/internal/models"
)

func TestAssignmentContextUpsertBumpsVersion(t *testing.T) {
	repo := NewAssignmentContextRepository(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := repo.Upsert(ctx, models.AssignmentContext{
		AssignmentID:       "a1",
		Name:               "Sketch a landscape",
		LearningObjectives: datatypes.JSON(`[{"id":"LO1","text":"Perspective"}]`),
		ValidUntil:         now.Add(time.Hour),
		SyncStatus:         models.ContextSyncStatusSynced,
		LastSyncedAt:       now,
	})
	require.NoError(t, err)
	require.Equal(t, 1, first.Version)

	second, err := repo.Upsert(ctx, models.AssignmentContext{
		AssignmentID: "a1",
		Name:         "Sketch a city",
		ValidUntil:   now.Add(2 * time.Hour),
		SyncStatus:   models.ContextSyncStatusSynced,
		LastSyncedAt: now,
	})
	require.NoError(t, err)
	require.Equal(t, 2, second.Version)
	require.Equal(t, "Sketch a city", second.Name)
	require.Equal(t, first.ID, second.ID)
	require.True(t, second.ValidUntil.After(first.ValidUntil))
}

func TestAssignmentContextExpire(t *testing.T) {
	repo := NewAssignmentContextRepository(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.Upsert(ctx, models.AssignmentContext{AssignmentID: "a1", ValidUntil: now.Add(time.Hour), LastSyncedAt: now})
	require.NoError(t, err)

	require.NoError(t, repo.Expire(ctx, "a1", now.Add(-time.Second)))
	stored, err := repo.GetByAssignmentID(ctx, "a1")
	require.NoError(t, err)
	require.False(t, stored.IsLive(now))
	require.Equal(t, models.ContextSyncStatusInvalidated, stored.SyncStatus)

	require.ErrorIs(t, repo.Expire(ctx, "missing", now), gorm.ErrRecordNotFound)
}
