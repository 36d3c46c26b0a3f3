package handlers

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/peertesthub/backend/internal/models"
)

type StatsHandler struct {
	DB *gorm.DB
}

func NewStatsHandler(db *gorm.DB) *StatsHandler {
	return &StatsHandler{DB: db}
}

// Public returns the marketplace headline numbers for the landing page.
// No auth required.
func (h *StatsHandler) Public(c *fiber.Ctx) error {
	var openJobs, testers, completedSubs int64

	h.DB.Model(&models.Job{}).
		Where("status IN ?", []models.JobStatus{models.JobStatusOpen, models.JobStatusInProgress}).
		Count(&openJobs)
	h.DB.Model(&models.User{}).
		Where("role = ? AND is_active = ?", models.RoleTester, true).
		Count(&testers)
	h.DB.Model(&models.Submission{}).
		Where("status = ?", models.SubmissionApproved).
		Count(&completedSubs)

	return ok(c, fiber.Map{
		"open_jobs":             openJobs,
		"active_testers":        testers,
		"completed_submissions": completedSubs,
	})
}

func (h *StatsHandler) Health(c *fiber.Ctx) error {
	sqlDB, err := h.DB.DB()
	if err != nil || sqlDB.Ping() != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "degraded",
		})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
