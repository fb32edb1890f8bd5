package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-feedback-service/internal/dto"
	"github.com/noah-isme/gema-feedback-service/internal/service"
	"github.com/noah-isme/gema-feedback-service/internal/utils"
)

// SubmissionHandler accepts screened submissions over HTTP.
type SubmissionHandler struct {
	intake service.SubmissionIntakeService
	logger zerolog.Logger
}

// NewSubmissionHandler builds a submission handler instance.
func NewSubmissionHandler(intake service.SubmissionIntakeService, logger zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		intake: intake,
		logger: logger.With().Str("component", "submission_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *SubmissionHandler) Register(router fiber.Router) {
	router.Post("", h.create)
}

func (h *SubmissionHandler) create(c *fiber.Ctx) error {
	var payload dto.InboundMessage
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	status, err := h.intake.Submit(c.UserContext(), payload)
	if err != nil {
		if errors.Is(err, service.ErrAlreadyCompleted) {
			return utils.Fail(c, fiber.StatusConflict, err.Error(), status)
		}
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "submission queued", status)
}

func (h *SubmissionHandler) handleError(c *fiber.Ctx, err error) error {
	if handled, resp := sendDependencyError(c, err); handled {
		return resp
	}
	requestLogger(h.logger, c).Error().Err(err).Msg("internal server error")
	return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
}
