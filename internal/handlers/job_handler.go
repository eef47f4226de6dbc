package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/aipipeline/renderfarm/internal/models"
	"github.com/aipipeline/renderfarm/internal/services"
)

type JobHandler struct {
	jobService *services.JobService
}

func NewJobHandler(jobService *services.JobService) *JobHandler {
	return &JobHandler{
		jobService: jobService,
	}
}

// SubmitJob handles POST /api/jobs
func (h *JobHandler) SubmitJob(c *fiber.Ctx) error {
	var req models.SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error: "invalid request body: " + err.Error(),
		})
	}

	job, err := h.jobService.Submit(&req)
	if err != nil {
		return errorJSON(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(job)
}

// ListJobs handles GET /api/jobs?project_id=&status=
func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	jobs, err := h.jobService.ListJobs(c.Query("project_id"), c.Query("status"))
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(fiber.Map{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob handles GET /api/jobs/:id
func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.jobService.GetJob(c.Params("id"))
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(job)
}

// CancelJob handles POST /api/jobs/:id/cancel
func (h *JobHandler) CancelJob(c *fiber.Ctx) error {
	job, err := h.jobService.Cancel(c.Params("id"))
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(job)
}
