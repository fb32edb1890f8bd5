package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-feedback-service/internal/dto"
	"github.com/noah-isme/gema-feedback-service/internal/service"
	"github.com/noah-isme/gema-feedback-service/internal/utils"
)

// FeedbackHandler exposes feedback status and manual retry.
type FeedbackHandler struct {
	status service.FeedbackStatusService
	intake service.SubmissionIntakeService
	logger zerolog.Logger
}

// NewFeedbackHandler builds a feedback handler instance.
func NewFeedbackHandler(status service.FeedbackStatusService, intake service.SubmissionIntakeService, logger zerolog.Logger) *FeedbackHandler {
	return &FeedbackHandler{
		status: status,
		intake: intake,
		logger: logger.With().Str("component", "feedback_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *FeedbackHandler) Register(router fiber.Router) {
	router.Get("/:submission_id", h.get)
	router.Post("/:submission_id/retry", h.retry)
}

func (h *FeedbackHandler) get(c *fiber.Ctx) error {
	submissionID, ok := requiredParam(c, "submission_id")
	if !ok {
		return utils.SendError(c, fiber.StatusBadRequest, "submission_id is required")
	}

	status, err := h.status.Status(c.UserContext(), submissionID)
	if err != nil {
		return h.handleError(c, err)
	}
	if status.Status == dto.StatusNotFound {
		return utils.Fail(c, fiber.StatusNotFound, "feedback request not found", status)
	}

	return utils.SendSuccess(c, "feedback status retrieved", status)
}

func (h *FeedbackHandler) retry(c *fiber.Ctx) error {
	submissionID, ok := requiredParam(c, "submission_id")
	if !ok {
		return utils.SendError(c, fiber.StatusBadRequest, "submission_id is required")
	}

	status, err := h.intake.Retry(c.UserContext(), submissionID)
	if err != nil {
		if errors.Is(err, service.ErrRetryNotAllowed) || errors.Is(err, service.ErrAttemptsExhausted) {
			return utils.Fail(c, fiber.StatusConflict, err.Error(), status)
		}
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().Str("submission_id", submissionID).Msg("manual retry queued")
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "retry queued", status)
}

func (h *FeedbackHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrFeedbackRequestNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "feedback request not found")
	default:
		if handled, resp := sendDependencyError(c, err); handled {
			return resp
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
