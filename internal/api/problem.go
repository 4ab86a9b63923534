package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/lucidcoder/lucidcoder/internal/branch"
	perrors "github.com/lucidcoder/lucidcoder/internal/errors"
	"github.com/lucidcoder/lucidcoder/internal/llm"
	"github.com/lucidcoder/lucidcoder/internal/workspace"
)

// ProblemDetail is an RFC 7807 error body. Branch errors also carry the
// recomputed overview so clients can re-render without another request.
type ProblemDetail struct {
	Type     string           `json:"type"`
	Title    string           `json:"title"`
	Status   int              `json:"status"`
	Detail   string           `json:"detail,omitempty"`
	Instance string           `json:"instance,omitempty"`
	Overview *branch.Overview `json:"overview,omitempty"`
}

// overviewError attaches the project's branch overview to a failed mutation.
type overviewError struct {
	err      error
	overview *branch.Overview
}

func (e *overviewError) Error() string { return e.err.Error() }
func (e *overviewError) Unwrap() error { return e.err }

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// classify maps an error to status, problem type and title.
func classify(err error) (int, string, string) {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code, "http_error", fe.Message
	case errors.Is(err, perrors.ErrConfirmationRequired):
		return fiber.StatusPreconditionRequired, "confirmation_required", "Confirmation Required"
	case errors.Is(err, perrors.ErrNotFound):
		return fiber.StatusNotFound, "not_found", "Not Found"
	case errors.Is(err, perrors.ErrInvalidInput), workspace.IsTraversal(err):
		return fiber.StatusBadRequest, "invalid_input", "Bad Request"
	case errors.Is(err, perrors.ErrInvalidTransition):
		return fiber.StatusConflict, "invalid_transition", "Conflict"
	case errors.Is(err, perrors.ErrConflict):
		return fiber.StatusConflict, "conflict", "Conflict"
	case llm.IsLLMError(err):
		return fiber.StatusBadGateway, "llm_error", "Bad Gateway"
	case errors.Is(err, perrors.ErrTimeout):
		return fiber.StatusGatewayTimeout, "timeout", "Gateway Timeout"
	}
	return fiber.StatusInternalServerError, "internal_error", "Internal Server Error"
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status, errType, title := classify(err)

		ev := logger.Warn()
		if status >= fiber.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Err(err).
			Int("status", status).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Str("request_id", requestID(c)).
			Msg("request failed")

		detail := perrors.Message(err)
		if status == fiber.StatusInternalServerError {
			detail = "an internal error occurred"
		}
		problem := ProblemDetail{
			Type:     errType,
			Title:    title,
			Status:   status,
			Detail:   detail,
			Instance: c.Path(),
		}
		var oe *overviewError
		if errors.As(err, &oe) {
			problem.Overview = oe.overview
		}
		return c.Status(status).JSON(problem)
	}
}
