package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songforge/internal/service"
	"github.com/makeasinger/songforge/pkg/response"
)

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		out := make(map[string]string)
		for _, e := range validationErrors {
			out[e.Field()] = e.Tag()
		}
		return out
	}
	return nil
}

// serviceError renders a lifecycle error with the matching status code.
func serviceError(c *fiber.Ctx, err error) error {
	var vErr *service.ValidationError
	switch {
	case errors.As(err, &vErr):
		return response.ValidationError(c, vErr.Message, nil)
	case errors.Is(err, service.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrPipelineNotFound):
		return response.NotFound(c, "Pipeline not found")
	case errors.Is(err, service.ErrTerminalState), errors.Is(err, service.ErrAlreadyRunning):
		return response.Conflict(c, err.Error())
	default:
		return response.ServiceError(c, err.Error())
	}
}
