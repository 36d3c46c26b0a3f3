// Package payments coordinates charge creation and confirmation. Acceptance
// never moves money by itself; it only opens an intent, and the builder's
// assignment materializes when the processor confirms the capture.
package payments

import (
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/peertesthub/backend/internal/apperr"
	"github.com/peertesthub/backend/internal/models"
	"github.com/peertesthub/backend/internal/pricing"
	"github.com/peertesthub/backend/internal/services/stripe"
	"github.com/peertesthub/backend/internal/services/submissions"
)

// Gateway is the slice of the payment processor this service needs. Tests
// substitute a fake; production wires *stripe.StripeService.
type Gateway interface {
	CreatePaymentIntent(amountCents int64, metadata map[string]string) (*stripe.PaymentIntent, error)
}

type PaymentService struct {
	DB          *gorm.DB
	Gateway     Gateway
	Submissions *submissions.SubmissionService
}

func NewPaymentService(db *gorm.DB, gw Gateway, subs *submissions.SubmissionService) *PaymentService {
	return &PaymentService{DB: db, Gateway: gw, Submissions: subs}
}

// Charge is what the builder's client needs to complete a capture.
type Charge struct {
	TransactionID   uuid.UUID `json:"transaction_id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	ClientSecret    string    `json:"client_secret"`
	BaseAmount      int64     `json:"base_amount"`
	PlatformFee     int64     `json:"platform_fee"`
	TotalAmount     int64     `json:"total_amount"`
}

// CreateBidCharge opens a payment intent for an accepted bid. The fee is
// computed once on the bid's final price, never per item. Calling it again
// for the same bid returns the existing open charge instead of a second
// intent.
func (p *PaymentService) CreateBidCharge(builderID, bidID uuid.UUID) (*Charge, error) {
	var bid models.Bid
	if err := p.DB.Preload("Job").First(&bid, "id = ?", bidID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("bid")
		}
		return nil, err
	}
	if bid.Job == nil || bid.Job.BuilderID != builderID {
		return nil, apperr.New(apperr.KindAuthorization, "only the job owner can pay for a bid")
	}
	if bid.Status != models.BidStatusAccepted {
		return nil, apperr.Newf(apperr.KindStateConflict, "bid is %s, only accepted bids can be paid", bid.Status)
	}
	if bid.PaymentStatus == models.BidPaid {
		return nil, apperr.New(apperr.KindStateConflict, "bid is already paid")
	}

	var existing models.Transaction
	err := p.DB.Where("bid_id = ? AND status = ?", bid.ID, models.TransactionStatusUnpaid).
		First(&existing).Error
	if err == nil {
		return chargeFrom(&existing), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	base := bid.BidPrice
	fee := pricing.Fee(base)
	total := base + fee

	pi, err := p.Gateway.CreatePaymentIntent(total, map[string]string{
		"kind":   "bid",
		"bid_id": bid.ID.String(),
		"job_id": bid.JobID.String(),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPayment, "failed to create payment intent", err)
	}

	txRow := models.Transaction{
		JobID:           bid.JobID,
		BidID:           &bid.ID,
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
		BaseAmount:      base,
		PlatformFee:     fee,
		TotalAmount:     total,
		Status:          models.TransactionStatusUnpaid,
	}
	if err := p.DB.Create(&txRow).Error; err != nil {
		return nil, err
	}
	return chargeFrom(&txRow), nil
}

// CreateJobPublishCharge opens the publish charge for a classic job:
// payout per tester times the slot count, plus the platform fee on that
// total. The job stays pending_payment until the capture confirms.
func (p *PaymentService) CreateJobPublishCharge(builderID, jobID uuid.UUID) (*Charge, error) {
	var job models.Job
	if err := p.DB.First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("job")
		}
		return nil, err
	}
	if job.BuilderID != builderID {
		return nil, apperr.New(apperr.KindAuthorization, "only the job owner can pay for publishing")
	}
	if job.Kind != models.JobKindClassic {
		return nil, apperr.New(apperr.KindValidation, "structured jobs are paid per accepted bid")
	}
	if job.Status != models.JobStatusPendingPayment {
		return nil, apperr.Newf(apperr.KindStateConflict, "job is %s, publish charge only applies while payment is pending", job.Status)
	}

	var existing models.Transaction
	err := p.DB.Where("job_id = ? AND bid_id IS NULL AND status = ?", job.ID, models.TransactionStatusUnpaid).
		First(&existing).Error
	if err == nil {
		return chargeFrom(&existing), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	base := job.PayoutAmount * int64(job.MaxTesters)
	if base <= 0 {
		return nil, apperr.New(apperr.KindValidation, "job has no payable amount")
	}
	fee := pricing.Fee(base)
	total := base + fee

	pi, err := p.Gateway.CreatePaymentIntent(total, map[string]string{
		"kind":   "job_publish",
		"job_id": job.ID.String(),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPayment, "failed to create payment intent", err)
	}

	txRow := models.Transaction{
		JobID:           job.ID,
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
		BaseAmount:      base,
		PlatformFee:     fee,
		TotalAmount:     total,
		Status:          models.TransactionStatusUnpaid,
	}
	if err := p.DB.Create(&txRow).Error; err != nil {
		return nil, err
	}
	return chargeFrom(&txRow), nil
}

// ConfirmResult reports what a confirmation did.
type ConfirmResult struct {
	AlreadyConfirmed bool                `json:"already_confirmed"`
	Submissions      []models.Submission `json:"submissions,omitempty"`
}

// ConfirmBidPayment marks the bid paid and materializes its submissions.
// The unpaid -> paid transition is guarded in the WHERE clause, so a
// duplicate webhook or a client retry takes the AlreadyConfirmed branch.
// Materialization is re-run on that branch too: it is idempotent, and
// re-running repairs a previous crash between payment flip and row
// creation.
func (p *PaymentService) ConfirmBidPayment(bidID uuid.UUID) (*ConfirmResult, error) {
	result := &ConfirmResult{}

	err := p.DB.Transaction(func(tx *gorm.DB) error {
		var bid models.Bid
		if err := tx.First(&bid, "id = ?", bidID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("bid")
			}
			return err
		}
		if bid.Status != models.BidStatusAccepted {
			return apperr.Newf(apperr.KindStateConflict, "bid is %s, only accepted bids can be confirmed", bid.Status)
		}

		now := time.Now()
		res := tx.Model(&models.Bid{}).
			Where("id = ? AND payment_status = ?", bid.ID, models.BidUnpaid).
			Updates(map[string]interface{}{
				"payment_status": models.BidPaid,
				"paid_at":        now,
			})
		if res.Error != nil {
			return res.Error
		}
		result.AlreadyConfirmed = res.RowsAffected == 0

		subs, err := p.Submissions.MaterializeForBid(tx, &bid)
		if err != nil {
			if result.AlreadyConfirmed {
				return err
			}
			// Payment stays flipped only if the whole transaction commits;
			// here it rolls back and the client is told to retry.
			return &apperr.Error{
				Kind:      apperr.KindPayment,
				Message:   "payment confirmed but assignment setup failed, retry confirmation",
				Retryable: true,
				Err:       err,
			}
		}
		result.Submissions = subs

		if err := tx.Model(&models.Transaction{}).
			Where("bid_id = ? AND status = ?", bid.ID, models.TransactionStatusUnpaid).
			Updates(map[string]interface{}{
				"status":  models.TransactionStatusPaid,
				"paid_at": now,
			}).Error; err != nil {
			return err
		}

		return tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", bid.JobID, models.JobStatusOpen).
			Update("status", models.JobStatusInProgress).Error
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ConfirmJobPublishPayment settles a classic job's publish charge and opens
// the job to claims.
func (p *PaymentService) ConfirmJobPublishPayment(jobID uuid.UUID) (*ConfirmResult, error) {
	result := &ConfirmResult{}

	err := p.DB.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("job")
			}
			return err
		}

		now := time.Now()
		res := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusPendingPayment).
			Update("status", models.JobStatusOpen)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if job.Status == models.JobStatusOpen || job.Status == models.JobStatusInProgress || job.Status == models.JobStatusCompleted {
				result.AlreadyConfirmed = true
				return nil
			}
			return apperr.Newf(apperr.KindStateConflict, "job is %s and cannot be opened", job.Status)
		}

		return tx.Model(&models.Transaction{}).
			Where("job_id = ? AND bid_id IS NULL AND status = ?", job.ID, models.TransactionStatusUnpaid).
			Updates(map[string]interface{}{
				"status":  models.TransactionStatusPaid,
				"paid_at": now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HandlePaymentIntentSucceeded routes a processor webhook event to the
// right confirmation by the metadata stamped at intent creation.
func (p *PaymentService) HandlePaymentIntentSucceeded(paymentIntentID string, metadata map[string]string) error {
	switch metadata["kind"] {
	case "bid":
		bidID, err := uuid.Parse(metadata["bid_id"])
		if err != nil {
			return apperr.New(apperr.KindValidation, "webhook event has no valid bid_id")
		}
		_, err = p.ConfirmBidPayment(bidID)
		return err
	case "job_publish":
		jobID, err := uuid.Parse(metadata["job_id"])
		if err != nil {
			return apperr.New(apperr.KindValidation, "webhook event has no valid job_id")
		}
		_, err = p.ConfirmJobPublishPayment(jobID)
		return err
	default:
		log.Printf("[Webhook] ignoring payment intent %s with unknown kind %q", paymentIntentID, metadata["kind"])
		return nil
	}
}

// MarkIntentFailed flags the charge record after a failed capture so the
// builder can retry from a clean slate.
func (p *PaymentService) MarkIntentFailed(paymentIntentID string) error {
	return p.DB.Model(&models.Transaction{}).
		Where("payment_intent_id = ? AND status = ?", paymentIntentID, models.TransactionStatusUnpaid).
		Update("status", models.TransactionStatusFailed).Error
}

func chargeFrom(t *models.Transaction) *Charge {
	return &Charge{
		TransactionID:   t.ID,
		PaymentIntentID: t.PaymentIntentID,
		ClientSecret:    t.ClientSecret,
		BaseAmount:      t.BaseAmount,
		PlatformFee:     t.PlatformFee,
		TotalAmount:     t.TotalAmount,
	}
}
