package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/aipipeline/renderfarm/internal/apperrors"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// errorJSON maps service errors onto HTTP status codes
func errorJSON(c *fiber.Ctx, err error) error {
	statusCode := fiber.StatusInternalServerError

	switch {
	case apperrors.IsNotFound(err):
		statusCode = fiber.StatusNotFound
	case apperrors.IsInvalidArgument(err):
		statusCode = fiber.StatusBadRequest
	case apperrors.IsConflict(err), apperrors.IsInvalidTransition(err):
		statusCode = fiber.StatusConflict
	case apperrors.IsUnreachable(err):
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(ErrorResponse{Error: err.Error()})
}
