package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/aipipeline/renderfarm/internal/services"
)

type WorkerHandler struct {
	workerService *services.WorkerService
}

func NewWorkerHandler(workerService *services.WorkerService) *WorkerHandler {
	return &WorkerHandler{
		workerService: workerService,
	}
}

// RegisterWorker handles POST /api/workers/register
func (h *WorkerHandler) RegisterWorker(c *fiber.Ctx) error {
	var req services.RegisterWorkerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error: "invalid request body: " + err.Error(),
		})
	}

	resp, err := h.workerService.Register(&req)
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(resp)
}

// ListWorkers handles GET /api/workers
func (h *WorkerHandler) ListWorkers(c *fiber.Ctx) error {
	workers, err := h.workerService.ListWorkers()
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(fiber.Map{
		"workers": workers,
		"count":   len(workers),
	})
}

// GetWorker handles GET /api/workers/:id
func (h *WorkerHandler) GetWorker(c *fiber.Ctx) error {
	worker, err := h.workerService.GetWorker(c.Params("id"))
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(worker)
}

// RemoveWorker handles DELETE /api/workers/:id
func (h *WorkerHandler) RemoveWorker(c *fiber.Ctx) error {
	if err := h.workerService.RemoveWorker(c.Params("id")); err != nil {
		return errorJSON(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}
