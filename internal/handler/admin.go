package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/middleware"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/service"
	"github.com/makeasinger/songforge/pkg/response"
)

type AdminHandler struct {
	reaper *service.Reaper
	log    *logger.Logger
}

func NewAdminHandler(reaper *service.Reaper, log *logger.Logger) *AdminHandler {
	return &AdminHandler{reaper: reaper, log: log.With("handler", "AdminHandler")}
}

// CleanupStuckJobs handles POST /api/admin/cleanup-stuck-jobs and runs one
// reaper sweep on demand.
func (h *AdminHandler) CleanupStuckJobs(c *fiber.Ctx) error {
	res, err := h.reaper.Sweep(c.UserContext())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	h.log.Info("manual cleanup", "userId", middleware.GetUserID(c), "jobs", res.Jobs, "pipelines", res.Pipelines)
	return response.OK(c, model.CleanupResponse{
		Success:          true,
		CleanedJobs:      res.Jobs,
		CleanedPipelines: res.Pipelines,
	})
}
