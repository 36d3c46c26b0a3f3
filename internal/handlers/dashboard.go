package handlers

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/peertesthub/backend/internal/models"
	"github.com/peertesthub/backend/internal/pricing"
)

type DashboardHandler struct {
	DB *gorm.DB
}

func NewDashboardHandler(db *gorm.DB) *DashboardHandler {
	return &DashboardHandler{DB: db}
}

// Stats returns role-keyed dashboard numbers: spend and review queue for
// builders, earnings and open work for testers.
func (h *DashboardHandler) Stats(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}

	if authRole(c) == string(models.RoleBuilder) {
		return h.builderStats(c, uid)
	}
	return h.testerStats(c, uid)
}

func (h *DashboardHandler) builderStats(c *fiber.Ctx, uid interface{}) error {
	var totalJobs, activeJobs, pendingBids, awaitingReview int64
	var spent struct{ Total int64 }

	h.DB.Model(&models.Job{}).Where("builder_id = ?", uid).Count(&totalJobs)
	h.DB.Model(&models.Job{}).
		Where("builder_id = ? AND status IN ?", uid,
			[]models.JobStatus{models.JobStatusOpen, models.JobStatusInProgress}).
		Count(&activeJobs)
	h.DB.Model(&models.Bid{}).
		Joins("JOIN jobs ON jobs.id = bids.job_id").
		Where("jobs.builder_id = ? AND bids.status = ?", uid, models.BidStatusPending).
		Count(&pendingBids)
	h.DB.Model(&models.Submission{}).
		Joins("JOIN jobs ON jobs.id = submissions.job_id").
		Where("jobs.builder_id = ? AND submissions.status = ?", uid, models.SubmissionSubmitted).
		Count(&awaitingReview)
	h.DB.Model(&models.Transaction{}).
		Select("COALESCE(SUM(total_amount), 0) AS total").
		Joins("JOIN jobs ON jobs.id = transactions.job_id").
		Where("jobs.builder_id = ? AND transactions.status = ?", uid, models.TransactionStatusPaid).
		Scan(&spent)

	return ok(c, fiber.Map{
		"role":                models.RoleBuilder,
		"total_jobs":          totalJobs,
		"active_jobs":         activeJobs,
		"pending_bids":        pendingBids,
		"awaiting_review":     awaitingReview,
		"total_spent":         spent.Total,
		"total_spent_dollars": pricing.ToDollars(spent.Total),
	})
}

func (h *DashboardHandler) testerStats(c *fiber.Ctx, uid interface{}) error {
	var pendingBids, activeSubs, approvedSubs int64
	var earned struct{ Total int64 }
	var u models.User

	h.DB.Model(&models.Bid{}).
		Where("tester_id = ? AND status = ?", uid, models.BidStatusPending).
		Count(&pendingBids)
	h.DB.Model(&models.Submission{}).
		Where("tester_id = ? AND status IN ?", uid,
			[]models.SubmissionStatus{models.SubmissionDraft, models.SubmissionSubmitted}).
		Count(&activeSubs)
	h.DB.Model(&models.Submission{}).
		Where("tester_id = ? AND status = ?", uid, models.SubmissionApproved).
		Count(&approvedSubs)
	h.DB.Model(&models.WalletTransaction{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("user_id = ? AND type = ?", uid, models.WalletTrxCredit).
		Scan(&earned)
	h.DB.First(&u, "id = ?", uid)

	return ok(c, fiber.Map{
		"role":                 models.RoleTester,
		"pending_bids":         pendingBids,
		"active_submissions":   activeSubs,
		"approved_submissions": approvedSubs,
		"total_earned":         earned.Total,
		"total_earned_dollars": pricing.ToDollars(earned.Total),
		"balance":              u.Balance,
	})
}

// Wallet returns the caller's payout ledger, newest first.
func (h *DashboardHandler) Wallet(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}

	var entries []models.WalletTransaction
	if err := h.DB.Where("user_id = ?", uid).
		Order("created_at DESC").Limit(100).Find(&entries).Error; err != nil {
		return respondErr(c, err)
	}

	var u models.User
	h.DB.First(&u, "id = ?", uid)

	return ok(c, fiber.Map{
		"balance": u.Balance,
		"entries": entries,
	})
}
