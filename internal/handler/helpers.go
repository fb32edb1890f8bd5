package handler

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-feedback-service/internal/apperror"
	"github.com/noah-isme/gema-feedback-service/internal/middleware"
	"github.com/noah-isme/gema-feedback-service/internal/utils"
)

func parseQueryInt(c *fiber.Ctx, key string, fallback int) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}

func requiredParam(c *fiber.Ctx, key string) (string, bool) {
	value := strings.TrimSpace(c.Params(key))
	return value, value != ""
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

// sendDependencyError maps validation and dependency failures shared by every
// handler; it reports false when err is none of them.
func sendDependencyError(c *fiber.Ctx, err error) (bool, error) {
	var validationErr *apperror.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return true, utils.Fail(c, fiber.StatusBadRequest, "invalid message", validationErr.Fields)
	case apperror.IsHard(err):
		return true, utils.SendError(c, fiber.StatusBadGateway, err.Error())
	case apperror.IsTransient(err):
		return true, utils.SendError(c, fiber.StatusServiceUnavailable, err.Error())
	default:
		return false, nil
	}
}
