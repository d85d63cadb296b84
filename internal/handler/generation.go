package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songforge/internal/middleware"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/service"
	"github.com/makeasinger/songforge/pkg/response"
)

type GenerationHandler struct {
	service   *service.JobService
	validator *validator.Validate
}

func NewGenerationHandler(svc *service.JobService, v *validator.Validate) *GenerationHandler {
	return &GenerationHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/generate
// @Summary      Start a generation job
// @Tags         Generation
// @Accept       json
// @Produce      json
// @Param        request body model.GenerateRequest true "Generation request"
// @Success      202 {object} model.GenerateResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generate [post]
func (h *GenerationHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, existing, err := h.service.Create(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		return serviceError(c, err)
	}

	message := "Generation started"
	if existing {
		message = "Matching generation already in progress"
	}
	return response.Accepted(c, model.GenerateResponse{
		Success: true,
		JobID:   job.ID,
		Status:  model.JobStatusProcessing,
		Message: message,
	})
}

// Status handles GET /api/jobs/:jobId
// @Summary      Get generation job status
// @Tags         Generation
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobStatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [get]
func (h *GenerationHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, track, err := h.service.Get(c.UserContext(), middleware.GetUserID(c), jobID)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, model.JobStatusResponse{
		Success:      true,
		JobID:        job.ID,
		Status:       job.Status,
		Progress:     job.Progress,
		CurrentStep:  job.CurrentStep,
		Provider:     string(job.Provider),
		ErrorMessage: job.ErrorMessage,
		Track:        track,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		CompletedAt:  job.CompletedAt,
	})
}

// Reset handles POST /api/jobs/:jobId/reset
// @Summary      Cancel a job and start it again
// @Tags         Generation
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      202 {object} model.ResetResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/reset [post]
func (h *GenerationHandler) Reset(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	fresh, old, err := h.service.Reset(c.UserContext(), middleware.GetUserID(c), jobID)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Accepted(c, model.ResetResponse{
		Success:       true,
		JobID:         fresh.ID,
		PreviousJobID: old.ID,
		Status:        model.JobStatusProcessing,
		Message:       "Job restarted",
	})
}
