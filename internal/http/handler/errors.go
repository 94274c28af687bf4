package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/NanoLink/internal/app/repository"
	"github.com/sifan077/NanoLink/internal/app/service"
	"go.uber.org/zap"
)

// statusFor maps service and store errors to an HTTP status and a message
// that is safe to show to clients.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrLinkNotFound):
		return fiber.StatusNotFound, "link not found"
	case errors.Is(err, repository.ErrDuplicateCode):
		return fiber.StatusConflict, repository.ErrDuplicateCode.Error()
	case errors.Is(err, service.ErrInvalidURL),
		errors.Is(err, service.ErrInvalidCode),
		errors.Is(err, service.ErrReservedCode):
		return fiber.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrMissingOwner):
		return fiber.StatusUnauthorized, err.Error()
	case errors.Is(err, service.ErrGenerationExhausted):
		return fiber.StatusServiceUnavailable, service.ErrGenerationExhausted.Error()
	case errors.Is(err, service.ErrBackendUnavailable):
		return fiber.StatusServiceUnavailable, "service temporarily unavailable"
	default:
		return fiber.StatusInternalServerError, "internal server error"
	}
}

func respondError(c *fiber.Ctx, logger *zap.Logger, msg string, err error) error {
	status, text := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		logger.Error(msg, zap.Error(err))
	}
	if status == fiber.StatusServiceUnavailable {
		c.Set(fiber.HeaderRetryAfter, "1")
	}
	return c.Status(status).JSON(fiber.Map{"error": text})
}
