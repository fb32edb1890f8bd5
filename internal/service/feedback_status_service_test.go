package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-feedback-service/internal/dto"
	"github.com/noah-isme/gema-feedback-service/internal/models"
)

func TestStatusReportsNotFound(t *testing.T) {
	f := newPipelineFixture(t)
	status := NewFeedbackStatusService(f.requests, zerolog.Nop())

	response, err := status.Status(context.Background(), "unknown")
	require.NoError(t, err)
	require.Equal(t, dto.StatusNotFound, response.Status)
	require.Equal(t, "unknown", response.SubmissionID)
	require.False(t, response.HasFeedback)
}

func TestStatusReflectsStoredRecord(t *testing.T) {
	f := newPipelineFixture(t)
	status := NewFeedbackStatusService(f.requests, zerolog.Nop())
	ctx := context.Background()

	_, err := f.orchestrator(OrchestratorConfig{}).Process(ctx, inboundMessage("s1"))
	require.NoError(t, err)

	response, err := status.Status(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, models.FeedbackStatusCompleted, response.Status)
	require.Equal(t, 1, response.AttemptCount)
	require.True(t, response.HasFeedback)
	require.False(t, response.HasError)
	require.Equal(t, "stub-model", response.ModelUsed)
	require.NotNil(t, response.CompletedAt)

	f.generator.err = errModelDown
	_, err = f.orchestrator(OrchestratorConfig{}).Process(ctx, inboundMessage("s2"))
	require.NoError(t, err)

	response, err = status.Status(ctx, "s2")
	require.NoError(t, err)
	require.Equal(t, models.FeedbackStatusFailed, response.Status)
	require.True(t, response.HasError)
	require.Contains(t, response.ErrorMessage, "model unavailable")
}
