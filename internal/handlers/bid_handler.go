package handlers

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/peertesthub/backend/internal/apperr"
	"github.com/peertesthub/backend/internal/models"
	"github.com/peertesthub/backend/internal/realtime"
	"github.com/peertesthub/backend/internal/services/bidding"
	"github.com/peertesthub/backend/internal/services/mailer"
	"github.com/peertesthub/backend/internal/services/payments"
)

type BidHandler struct {
	DB       *gorm.DB
	Bidding  *bidding.BiddingService
	Payments *payments.PaymentService
	Notifier *realtime.Notifier
	Mailer   *mailer.MailerService
}

func NewBidHandler(db *gorm.DB, b *bidding.BiddingService, p *payments.PaymentService, n *realtime.Notifier, m *mailer.MailerService) *BidHandler {
	return &BidHandler{DB: db, Bidding: b, Payments: p, Notifier: n, Mailer: m}
}

type PlaceBidReq struct {
	ScopeRoleID *string `json:"scope_role_id"`
	ScopeItemID *string `json:"scope_item_id"`
	BidPrice    int64   `json:"bid_price"` // cents, for the whole scope
	Message     string  `json:"message"`
}

type bidEvent struct {
	Type  string      `json:"type"`
	JobID uuid.UUID   `json:"job_id"`
	BidID uuid.UUID   `json:"bid_id"`
	At    time.Time   `json:"at"`
	Data  interface{} `json:"data,omitempty"`
}

func (h *BidHandler) notify(event string, bid *models.Bid, builderID uuid.UUID, data interface{}) {
	if h.Notifier == nil {
		return
	}
	h.Notifier.Notify(builderID, bid.TesterID, bidEvent{
		Type:  event,
		JobID: bid.JobID,
		BidID: bid.ID,
		At:    time.Now(),
		Data:  data,
	})
}

// Place creates a pending bid on POST /api/jobs/:id/bids.
func (h *BidHandler) Place(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	jobID, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	var req PlaceBidReq
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid body",
		})
	}

	scope := bidding.Scope{}
	if req.ScopeRoleID != nil {
		id, err := uuid.Parse(*req.ScopeRoleID)
		if err != nil {
			return respondErr(c, apperr.Validation("invalid bid", map[string]string{"scope_role_id": "must be a valid uuid"}))
		}
		scope.RoleID = &id
	}
	if req.ScopeItemID != nil {
		id, err := uuid.Parse(*req.ScopeItemID)
		if err != nil {
			return respondErr(c, apperr.Validation("invalid bid", map[string]string{"scope_item_id": "must be a valid uuid"}))
		}
		scope.ItemID = &id
	}

	bid, err := h.Bidding.PlaceBid(bidding.PlaceBidInput{
		JobID:      jobID,
		TesterID:   uid,
		Scope:      scope,
		PriceCents: req.BidPrice,
		Message:    req.Message,
	})
	if err != nil {
		return respondErr(c, err)
	}

	var job models.Job
	if err := h.DB.First(&job, "id = ?", jobID).Error; err == nil {
		h.notify(realtime.EventBidPlaced, bid, job.BuilderID, fiber.Map{"is_counter": bid.IsCounter})
	}

	return created(c, bid)
}

// ListForJob returns the bids visible to the caller: all of them for the
// builder, only the caller's own for testers.
func (h *BidHandler) ListForJob(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	jobID, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	var job models.Job
	if err := h.DB.First(&job, "id = ?", jobID).Error; err != nil {
		return respondErr(c, apperr.NotFound("job"))
	}

	q := h.DB.Where("job_id = ?", jobID).Preload("Tester")
	if job.BuilderID != uid {
		q = q.Where("tester_id = ?", uid)
	}

	var bids []models.Bid
	if err := q.Order("created_at DESC").Find(&bids).Error; err != nil {
		return respondErr(c, err)
	}
	return ok(c, bids)
}

// Mine lists the caller's bids across jobs.
func (h *BidHandler) Mine(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}

	var bids []models.Bid
	if err := h.DB.Where("tester_id = ?", uid).Preload("Job").
		Order("created_at DESC").Find(&bids).Error; err != nil {
		return respondErr(c, err)
	}
	return ok(c, bids)
}

// Accept marks the bid accepted and opens the payment intent in one go, so
// the builder lands directly on the payment step.
func (h *BidHandler) Accept(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	bidID, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	bid, err := h.Bidding.AcceptBid(uid, bidID)
	if err != nil {
		return respondErr(c, err)
	}

	charge, err := h.Payments.CreateBidCharge(uid, bid.ID)
	if err != nil {
		// acceptance stands; the builder retries the charge from the bid page
		return respondErr(c, err)
	}

	h.notify(realtime.EventBidAccepted, bid, uid, fiber.Map{"total_charge": charge.TotalAmount})
	h.mailTester(bid, func(email, jobTitle string) error {
		return h.Mailer.SendBidAccepted(email, jobTitle)
	})

	return ok(c, fiber.Map{
		"bid":           bid,
		"client_secret": charge.ClientSecret,
		"bid_price":     charge.BaseAmount,
		"platform_fee":  charge.PlatformFee,
		"total_charge":  charge.TotalAmount,
	})
}

func (h *BidHandler) Reject(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	bidID, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	if err := h.Bidding.RejectBid(uid, bidID); err != nil {
		return respondErr(c, err)
	}

	var bid models.Bid
	if err := h.DB.First(&bid, "id = ?", bidID).Error; err == nil {
		h.notify(realtime.EventBidRejected, &bid, uid, nil)
	}
	return ok(c, fiber.Map{"status": models.BidStatusRejected})
}

func (h *BidHandler) Withdraw(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	bidID, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	if err := h.Bidding.WithdrawBid(uid, bidID); err != nil {
		return respondErr(c, err)
	}

	var bid models.Bid
	if err := h.DB.Preload("Job").First(&bid, "id = ?", bidID).Error; err == nil && bid.Job != nil {
		h.notify(realtime.EventBidWithdrawn, &bid, bid.Job.BuilderID, nil)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ConfirmPayment is the client-driven confirmation path, used when the
// frontend observes the capture succeed before the webhook lands. Safe to
// call alongside the webhook: both funnel into the same guarded transition.
func (h *BidHandler) ConfirmPayment(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	bidID, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	var bid models.Bid
	if err := h.DB.Preload("Job").First(&bid, "id = ?", bidID).Error; err != nil {
		return respondErr(c, apperr.NotFound("bid"))
	}
	if bid.Job == nil || bid.Job.BuilderID != uid {
		return respondErr(c, apperr.New(apperr.KindAuthorization, "only the job owner can confirm payment"))
	}

	result, err := h.Payments.ConfirmBidPayment(bidID)
	if err != nil {
		return respondErr(c, err)
	}

	if !result.AlreadyConfirmed {
		h.notify(realtime.EventPaymentConfirmed, &bid, uid, fiber.Map{
			"submissions": len(result.Submissions),
		})
	}
	return ok(c, result)
}

func (h *BidHandler) mailTester(bid *models.Bid, send func(email, jobTitle string) error) {
	if h.Mailer == nil {
		return
	}
	var tester models.User
	if err := h.DB.First(&tester, "id = ?", bid.TesterID).Error; err != nil {
		return
	}
	var job models.Job
	if err := h.DB.First(&job, "id = ?", bid.JobID).Error; err != nil {
		return
	}
	if err := send(tester.Email, job.Title); err != nil {
		log.Printf("[Bid] mail to %s failed: %v", tester.Email, err)
	}
}
