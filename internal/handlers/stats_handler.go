package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/aipipeline/renderfarm/internal/db"
	"github.com/aipipeline/renderfarm/internal/scheduler"
)

type StatsHandler struct {
	scheduler *scheduler.Scheduler
	jobRepo   db.JobRepository
}

func NewStatsHandler(sched *scheduler.Scheduler, jobRepo db.JobRepository) *StatsHandler {
	return &StatsHandler{
		scheduler: sched,
		jobRepo:   jobRepo,
	}
}

// GetStats handles GET /api/scheduler/stats
func (h *StatsHandler) GetStats(c *fiber.Ctx) error {
	stats, err := h.scheduler.Stats()
	if err != nil {
		return errorJSON(c, err)
	}

	counts, err := h.jobRepo.CountByStatus()
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(fiber.Map{
		"scheduler":  stats,
		"job_counts": counts,
	})
}
