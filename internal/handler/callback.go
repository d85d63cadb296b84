package handler

import (
	"crypto/subtle"
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/service"
	"github.com/makeasinger/songforge/pkg/response"
)

// CallbackHandler receives provider completion callbacks. A callback only
// wakes the poller waiting on that task; the poll result stays authoritative.
type CallbackHandler struct {
	jobs  *service.JobService
	token string
	log   *logger.Logger
}

func NewCallbackHandler(jobs *service.JobService, token string, log *logger.Logger) *CallbackHandler {
	return &CallbackHandler{jobs: jobs, token: token, log: log.With("handler", "CallbackHandler")}
}

type callbackTaskRef struct {
	TaskID    string `json:"taskId"`
	TaskIDAlt string `json:"task_id"`
	ID        string `json:"id"`
}

func (r callbackTaskRef) id() string {
	switch {
	case r.TaskID != "":
		return r.TaskID
	case r.TaskIDAlt != "":
		return r.TaskIDAlt
	default:
		return r.ID
	}
}

type callbackBody struct {
	callbackTaskRef
	Data *callbackTaskRef `json:"data"`
}

// TaskIDFromCallback extracts the provider task id from a callback body.
// Providers put it either at the top level or under "data".
func TaskIDFromCallback(body []byte) string {
	var cb callbackBody
	if err := json.Unmarshal(body, &cb); err != nil {
		return ""
	}
	if cb.Data != nil {
		if id := cb.Data.id(); id != "" {
			return id
		}
	}
	return cb.id()
}

// Handle handles POST /callbacks/:provider?token=
func (h *CallbackHandler) Handle(c *fiber.Ctx) error {
	if h.token == "" || subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(h.token)) != 1 {
		return response.Unauthorized(c, "Invalid callback token")
	}

	taskID := TaskIDFromCallback(c.Body())
	if taskID == "" {
		return response.ValidationError(c, "Missing task id", nil)
	}

	woken := h.jobs.Nudge(c.UserContext(), taskID)
	h.log.Debug("provider callback", "provider", c.Params("provider"), "taskId", taskID, "woken", woken)
	return response.OK(c, fiber.Map{"success": true})
}
