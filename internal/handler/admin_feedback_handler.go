package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-feedback-service/internal/service"
	"github.com/noah-isme/gema-feedback-service/internal/utils"
)

const defaultCleanupDays = 30

// AdminFeedbackHandler exposes maintenance operations to administrators.
type AdminFeedbackHandler struct {
	maintenance service.MaintenanceService
	logger      zerolog.Logger
}

// NewAdminFeedbackHandler builds an admin handler instance.
func NewAdminFeedbackHandler(maintenance service.MaintenanceService, logger zerolog.Logger) *AdminFeedbackHandler {
	return &AdminFeedbackHandler{
		maintenance: maintenance,
		logger:      logger.With().Str("component", "admin_feedback_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *AdminFeedbackHandler) Register(router fiber.Router) {
	router.Post("/feedback/cleanup", h.cleanup)
	router.Post("/assignments/:assignment_id/context/refresh", h.refreshContext)
	router.Post("/assignments/:assignment_id/context/invalidate", h.invalidateContext)
}

func (h *AdminFeedbackHandler) cleanup(c *fiber.Ctx) error {
	days, err := parseQueryInt(c, "days", defaultCleanupDays)
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "days must be an integer")
	}

	result, err := h.maintenance.CleanupCompleted(c.UserContext(), days)
	if err != nil {
		return h.handleError(c, err)
	}

	requestLogger(h.logger, c).Info().Int64("deleted", result.Deleted).Int("days", days).Msg("feedback cleanup finished")
	return utils.SendSuccess(c, "completed feedback requests cleaned up", result)
}

func (h *AdminFeedbackHandler) refreshContext(c *fiber.Ctx) error {
	assignmentID, ok := requiredParam(c, "assignment_id")
	if !ok {
		return utils.SendError(c, fiber.StatusBadRequest, "assignment_id is required")
	}

	entry, err := h.maintenance.RefreshContext(c.UserContext(), assignmentID)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "assignment context refreshed", entry)
}

func (h *AdminFeedbackHandler) invalidateContext(c *fiber.Ctx) error {
	assignmentID, ok := requiredParam(c, "assignment_id")
	if !ok {
		return utils.SendError(c, fiber.StatusBadRequest, "assignment_id is required")
	}

	if err := h.maintenance.InvalidateContext(c.UserContext(), assignmentID); err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "assignment context invalidated", fiber.Map{"assignment_id": assignmentID})
}

func (h *AdminFeedbackHandler) handleError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidCleanupWindow):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrAssignmentContextNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "assignment context not found")
	default:
		if handled, resp := sendDependencyError(c, err); handled {
			return resp
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
