package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-feedback-service/internal/config"
	"github.com/noah-isme/gema-feedback-service/internal/contextcache"
	"github.com/noah-isme/gema-feedback-service/internal/database"
	"github.com/noah-isme/gema-feedback-service/internal/dto"
	"github.com/noah-isme/gema-feedback-service/internal/handler"
	"github.com/noah-isme/gema-feedback-service/internal/models"
	"github.com/noah-isme/gema-feedback-service/internal/repository"
	"github.com/noah-isme/gema-feedback-service/internal/router"
	"github.com/noah-isme/gema-feedback-service/internal/service"
)

type queuedMessage struct {
	subject string
	msgID   string
}

type capturePublisher struct {
	messages []queuedMessage
}

func (p *capturePublisher) Publish(_ context.Context, subject, msgID string, _ []byte) error {
	p.messages = append(p.messages, queuedMessage{subject: subject, msgID: msgID})
	return nil
}

type stubContextCache struct {
	known map[string]bool
}

func (s *stubContextCache) Refresh(_ context.Context, assignmentID string) (models.AssignmentContext, error) {
	return models.AssignmentContext{AssignmentID: assignmentID, Name: "Draw a tree", Version: 3, SyncStatus: models.ContextSyncStatusSynced}, nil
}

func (s *stubContextCache) Invalidate(_ context.Context, assignmentID string) error {
	if !s.known[assignmentID] {
		return contextcache.ErrContextNotFound
	}
	return nil
}

type testApp struct {
	app       *fiber.App
	db        *gorm.DB
	publisher *capturePublisher
	role      string
}

func setupFeedbackApp(t *testing.T) *testApp {
	t.Helper()

	db, err := database.OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	logger := zerolog.New(io.Discard)
	requests := repository.NewFeedbackRequestRepository(db)
	publisher := &capturePublisher{}

	intake := service.NewSubmissionIntakeService(requests, publisher, "plagiarism.results", 3, dto.NewValidator(), logger)
	status := service.NewFeedbackStatusService(requests, logger)
	maintenance := service.NewMaintenanceService(requests, &stubContextCache{known: map[string]bool{"a1": true}}, logger)

	ta := &testApp{app: fiber.New(), db: db, publisher: publisher, role: "admin"}
	router.Register(ta.app, config.Config{AppName: "Test"}, router.Dependencies{
		FeedbackHandler:   handler.NewFeedbackHandler(status, intake, logger),
		SubmissionHandler: handler.NewSubmissionHandler(intake, logger),
		AdminHandler:      handler.NewAdminFeedbackHandler(maintenance, logger),
		JWTMiddleware: func(c *fiber.Ctx) error {
			c.Locals("user_id", "admin-1")
			c.Locals("user_role", ta.role)
			return c.Next()
		},
	})
	return ta
}

func (ta *testApp) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ta.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}

func (ta *testApp) seed(t *testing.T, submissionID, status string, attempts int) {
	t.Helper()
	completedAt := time.Now().UTC().AddDate(0, 0, -40)
	require.NoError(t, ta.db.Create(&models.FeedbackRequest{
		SubmissionID:   submissionID,
		StudentID:      "st1",
		AssignmentID:   "a1",
		ContentRef:     "img://x",
		SimilarSources: []byte(`[]`),
		Status:         status,
		AttemptCount:   attempts,
		CompletedAt:    &completedAt,
	}).Error)
}

func TestSubmissionIntakeQueuesValidMessage(t *testing.T) {
	ta := setupFeedbackApp(t)

	resp, payload := ta.do(t, http.MethodPost, "/api/v1/submissions", map[string]interface{}{
		"submission_id": "s1",
		"student_id":    "st1",
		"assignment_id": "a1",
		"img_url":       "img://x",
	})
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	require.Equal(t, "submission queued", payload["message"])
	require.Equal(t, "pending", payload["data"].(map[string]interface{})["status"])
	require.Equal(t, []queuedMessage{{subject: "plagiarism.results", msgID: "s1"}}, ta.publisher.messages)
}

func TestSubmissionIntakeRejectsInvalidMessage(t *testing.T) {
	ta := setupFeedbackApp(t)

	resp, payload := ta.do(t, http.MethodPost, "/api/v1/submissions", map[string]interface{}{
		"submission_id": "s1",
	})
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	require.ElementsMatch(t, []interface{}{"student_id", "assignment_id", "content_ref"}, payload["details"])
	require.Empty(t, ta.publisher.messages)
}

func TestSubmissionIntakeConflictsOnCompletedSubmission(t *testing.T) {
	ta := setupFeedbackApp(t)
	ta.seed(t, "s1", models.FeedbackStatusCompleted, 1)

	resp, _ := ta.do(t, http.MethodPost, "/api/v1/submissions", map[string]interface{}{
		"submission_id": "s1",
		"student_id":    "st1",
		"assignment_id": "a1",
		"content_ref":   "img://x",
	})
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)
	require.Empty(t, ta.publisher.messages)
}

func TestFeedbackStatusEndpoint(t *testing.T) {
	ta := setupFeedbackApp(t)

	resp, payload := ta.do(t, http.MethodGet, "/api/v1/feedback/unknown", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	require.Equal(t, dto.StatusNotFound, payload["details"].(map[string]interface{})["status"])

	ta.seed(t, "s1", models.FeedbackStatusCompleted, 1)
	resp, payload = ta.do(t, http.MethodGet, "/api/v1/feedback/s1", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	data := payload["data"].(map[string]interface{})
	require.Equal(t, "completed", data["status"])
	require.Equal(t, float64(1), data["attempt_count"])
}

func TestFeedbackRetryEndpoint(t *testing.T) {
	ta := setupFeedbackApp(t)
	ta.seed(t, "failed-once", models.FeedbackStatusFailed, 1)
	ta.seed(t, "failed-thrice", models.FeedbackStatusFailed, 3)
	ta.seed(t, "done", models.FeedbackStatusCompleted, 1)

	resp, _ := ta.do(t, http.MethodPost, "/api/v1/feedback/failed-once/retry", nil)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	require.Equal(t, []queuedMessage{{subject: "plagiarism.results", msgID: "failed-once:retry:1"}}, ta.publisher.messages)

	resp, _ = ta.do(t, http.MethodPost, "/api/v1/feedback/failed-thrice/retry", nil)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, _ = ta.do(t, http.MethodPost, "/api/v1/feedback/done/retry", nil)
	require.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, _ = ta.do(t, http.MethodPost, "/api/v1/feedback/missing/retry", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	require.Len(t, ta.publisher.messages, 1)
}

func TestAdminCleanupEndpoint(t *testing.T) {
	ta := setupFeedbackApp(t)
	ta.seed(t, "old", models.FeedbackStatusCompleted, 1)

	resp, _ := ta.do(t, http.MethodPost, "/api/v1/admin/feedback/cleanup?days=0", nil)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, payload := ta.do(t, http.MethodPost, "/api/v1/admin/feedback/cleanup", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), payload["data"].(map[string]interface{})["deleted"])
}

func TestAdminContextEndpoints(t *testing.T) {
	ta := setupFeedbackApp(t)

	resp, payload := ta.do(t, http.MethodPost, "/api/v1/admin/assignments/a1/context/refresh", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, float64(3), payload["data"].(map[string]interface{})["version"])

	resp, _ = ta.do(t, http.MethodPost, "/api/v1/admin/assignments/a1/context/invalidate", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = ta.do(t, http.MethodPost, "/api/v1/admin/assignments/zz/context/invalidate", nil)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	ta := setupFeedbackApp(t)
	ta.role = "student"

	resp, _ := ta.do(t, http.MethodPost, "/api/v1/admin/feedback/cleanup", nil)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestHealthReportsDependencies(t *testing.T) {
	ta := setupFeedbackApp(t)

	resp, payload := ta.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", payload["data"].(map[string]interface{})["status"])

	app := fiber.New()
	router.Register(app, config.Config{AppName: "Test"}, router.Dependencies{
		HealthChecks: map[string]handler.HealthCheckFunc{
			"nats": func(context.Context) error { return context.DeadlineExceeded },
		},
	})
	degraded, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusServiceUnavailable, degraded.StatusCode)
}
