package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/rendis/flowgate/pkg/schema"
)

// statusOf maps a flowgate error code to an HTTP status.
func statusOf(code string) int {
	switch code {
	case schema.ErrCodeNotFound:
		return fiber.StatusNotFound
	case schema.ErrCodeInactive, schema.ErrCodeConflict:
		return fiber.StatusConflict
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

// handleError writes err as an RFC 7807 problem. Internal errors keep
// their message out of the response body.
func (s *Server) handleError(c fiber.Ctx, err error) error {
	detail := schema.DetailOf(err)
	status := statusOf(detail.Code)

	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(detail.Code)
	if status == fiber.StatusInternalServerError {
		s.logger.ErrorContext(c.Context(), "request failed",
			"path", c.Path(), "error", err.Error())
		problem = problem.WithDetail("internal error")
	} else {
		problem = problem.WithDetail(detail.Message)
	}

	return c.Status(status).JSON(problem)
}
