package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"docvault/internal/http/middleware"
	"docvault/internal/service"
)

// errorPayload defines the standardized error response body.
type errorPayload struct {
	RequestID string        `json:"request_id"`
	Error     errorEnvelope `json:"error"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a standardized JSON error response without leaking internal errors.
//
// Parameters:
// - status: HTTP status code to return
// - code: machine-readable short error code (e.g., "INVALID_ID", "NOT_FOUND", "INTERNAL_ERROR")
// - message: human-readable safe message (no internal details)
func writeError(c *fiber.Ctx, status int, code, message string) error {
	res := errorPayload{
		RequestID: middleware.RequestIDFrom(c),
		Error: errorEnvelope{
			Code:    code,
			Message: message,
		},
	}
	return c.Status(status).JSON(res)
}

// writeServiceError renders a DocumentService error. Only validation
// messages are echoed; they are composed by the service itself.
func writeServiceError(c *fiber.Ctx, err error) error {
	status := service.StatusClass(err)
	switch {
	case errors.Is(err, service.ErrValidation):
		return writeError(c, status, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrUnauthorized):
		return writeError(c, status, "NOT_FOUND", "document not found")
	case errors.Is(err, service.ErrLinkExpired):
		return writeError(c, status, "LINK_EXPIRED", "download link expired")
	case errors.Is(err, service.ErrStoreUnavailable),
		errors.Is(err, service.ErrCatalogUnavailable),
		errors.Is(err, service.ErrKeyringUnavailable):
		return writeError(c, status, "SERVICE_UNAVAILABLE", "dependency unavailable")
	case errors.Is(err, service.ErrCodec):
		return writeError(c, status, "DATA_INTEGRITY", "document failed integrity check")
	case errors.Is(err, service.ErrClientDisconnected):
		return writeError(c, status, "CLIENT_DISCONNECTED", "client closed request")
	default:
		return writeError(c, status, "INTERNAL_ERROR", "internal server error")
	}
}

// ErrorHandler returns a Fiber global error handler that standardizes error responses.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			status = e.Code
		}

		switch status {
		case fiber.StatusBadRequest:
			return writeError(c, status, "BAD_REQUEST", "bad request")
		case fiber.StatusUnauthorized:
			return writeError(c, status, "UNAUTHORIZED", "missing or invalid token")
		case fiber.StatusNotFound:
			return writeError(c, status, "NOT_FOUND", "resource not found")
		case fiber.StatusMethodNotAllowed:
			return writeError(c, status, "METHOD_NOT_ALLOWED", "method not allowed")
		case fiber.StatusRequestEntityTooLarge:
			return writeError(c, status, "PAYLOAD_TOO_LARGE", "request body too large")
		case fiber.StatusServiceUnavailable:
			return writeError(c, status, "SERVICE_UNAVAILABLE", "dependency unavailable")
		default:
			return writeError(c, status, "INTERNAL_ERROR", "internal server error")
		}
	}
}
