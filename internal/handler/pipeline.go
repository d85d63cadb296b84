package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songforge/internal/middleware"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/service"
	"github.com/makeasinger/songforge/pkg/response"
)

type PipelineHandler struct {
	service   *service.PipelineService
	validator *validator.Validate
}

func NewPipelineHandler(svc *service.PipelineService, v *validator.Validate) *PipelineHandler {
	return &PipelineHandler{
		service:   svc,
		validator: v,
	}
}

// Create handles POST /api/pipeline
// @Summary      Start a generation pipeline
// @Tags         Pipeline
// @Accept       json
// @Produce      json
// @Param        request body model.PipelineRequest true "Pipeline request"
// @Success      202 {object} model.PipelineCreateResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/pipeline [post]
func (h *PipelineHandler) Create(c *fiber.Ctx) error {
	var req model.PipelineRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	p, err := h.service.Create(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		return serviceError(c, err)
	}

	steps := make([]model.StepSummary, 0, len(p.Steps))
	for _, st := range p.Steps {
		steps = append(steps, model.StepSummary{Name: st.Name, Status: st.Status})
	}
	return response.Accepted(c, model.PipelineCreateResponse{
		Success:    true,
		PipelineID: p.ID,
		Steps:      steps,
		Message:    "Pipeline started",
	})
}

// StatusByBody handles POST /api/pipeline/status
func (h *PipelineHandler) StatusByBody(c *fiber.Ctx) error {
	var req model.PipelineStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}
	return h.status(c, req.PipelineID)
}

// Status handles GET /api/pipeline/:pipelineId
// @Summary      Get pipeline status
// @Tags         Pipeline
// @Produce      json
// @Param        pipelineId path string true "Pipeline ID"
// @Success      200 {object} model.PipelineStatus
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/pipeline/{pipelineId} [get]
func (h *PipelineHandler) Status(c *fiber.Ctx) error {
	id := c.Params("pipelineId")
	if id == "" {
		return response.ValidationError(c, "Pipeline ID is required", nil)
	}
	return h.status(c, id)
}

func (h *PipelineHandler) status(c *fiber.Ctx, id string) error {
	out, err := h.service.Status(c.UserContext(), middleware.GetUserID(c), id)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, out)
}
