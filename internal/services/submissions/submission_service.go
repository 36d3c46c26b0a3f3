// Package submissions owns the per-item deliverable lifecycle:
// draft -> submitted -> approved | rejected. Drafts are created exactly once
// per (tester, item) by payment-confirmed materialization (structured jobs)
// or by claiming (classic jobs).
package submissions

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/peertesthub/backend/internal/apperr"
	"github.com/peertesthub/backend/internal/models"
	"github.com/peertesthub/backend/internal/services/stripe"
	"github.com/peertesthub/backend/internal/services/wallet"
)

// PayoutGateway is the slice of the payment processor used for releasing
// tester payouts.
type PayoutGateway interface {
	CreateTransfer(amountCents int64, destinationAccount, description string) (*stripe.Transfer, error)
}

type SubmissionService struct {
	DB      *gorm.DB
	Wallet  *wallet.WalletService
	Gateway PayoutGateway
}

func NewSubmissionService(db *gorm.DB, w *wallet.WalletService, gw PayoutGateway) *SubmissionService {
	return &SubmissionService{DB: db, Wallet: w, Gateway: gw}
}

// MaterializeForBid creates one draft submission per item in the bid's
// scope. It is idempotent: the unique (tester, item) index plus an
// on-conflict-do-nothing insert means a retry after a partial failure only
// fills in the missing rows. Must only be called for a paid bid.
func (s *SubmissionService) MaterializeForBid(tx *gorm.DB, bid *models.Bid) ([]models.Submission, error) {
	items, err := s.itemsInScope(tx, bid)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, apperr.New(apperr.KindValidation, "bid scope contains no items")
	}

	for _, item := range items {
		item := item
		sub := models.Submission{
			JobID:        bid.JobID,
			ItemID:       &item.ID,
			BidID:        &bid.ID,
			TesterID:     bid.TesterID,
			ServiceType:  item.ServiceType,
			Status:       models.SubmissionDraft,
			PayoutAmount: payoutForItem(bid, &item, len(items)),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&sub).Error; err != nil {
			return nil, err
		}
	}

	var out []models.Submission
	itemIDs := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		itemIDs = append(itemIDs, it.ID)
	}
	if err := tx.Where("tester_id = ? AND item_id IN ?", bid.TesterID, itemIDs).
		Order("created_at").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// payoutForItem decides how much the tester earns when this item's
// submission is approved. For per_item scopes the negotiated bid price is
// the item's price; for wider scopes each item keeps its proposed price.
func payoutForItem(bid *models.Bid, item *models.Item, scopeSize int) int64 {
	if bid.ScopeItemID != nil && scopeSize == 1 {
		return bid.BidPrice
	}
	return item.ProposedPrice
}

func (s *SubmissionService) itemsInScope(tx *gorm.DB, bid *models.Bid) ([]models.Item, error) {
	var items []models.Item
	switch {
	case bid.ScopeItemID != nil:
		err := tx.Where("id = ?", bid.ScopeItemID).Find(&items).Error
		return items, err
	case bid.ScopeRoleID != nil:
		err := tx.Where("role_id = ?", bid.ScopeRoleID).Order("position").Find(&items).Error
		return items, err
	default:
		err := tx.Joins("JOIN job_roles ON job_roles.id = items.role_id").
			Where("job_roles.job_id = ?", bid.JobID).
			Order("job_roles.position, items.position").
			Find(&items).Error
		return items, err
	}
}

// ClaimJob is the classic flow: a tester takes one of the job's slots and
// gets a draft submission immediately (the builder already paid at publish).
// The optimistic version bump on the job serializes concurrent claims
// against the max_testers capacity check.
func (s *SubmissionService) ClaimJob(testerID, jobID uuid.UUID) (*models.Submission, error) {
	var created models.Submission

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("job")
			}
			return err
		}
		if job.Kind != models.JobKindClassic {
			return apperr.New(apperr.KindValidation, "structured jobs are assigned through bids, not claims")
		}
		if job.Status != models.JobStatusOpen && job.Status != models.JobStatusInProgress {
			return apperr.New(apperr.KindStateConflict, "job is not available for claiming")
		}

		var mine int64
		if err := tx.Model(&models.Submission{}).
			Where("job_id = ? AND tester_id = ?", job.ID, testerID).
			Count(&mine).Error; err != nil {
			return err
		}
		if mine > 0 {
			return apperr.New(apperr.KindStateConflict, "you already claimed this job")
		}

		var claimed int64
		if err := tx.Model(&models.Submission{}).
			Where("job_id = ?", job.ID).Count(&claimed).Error; err != nil {
			return err
		}
		if claimed >= int64(job.MaxTesters) {
			return apperr.New(apperr.KindStateConflict, "job has reached maximum testers")
		}

		res := tx.Model(&models.Job{}).
			Where("id = ? AND assignment_version = ?", job.ID, job.AssignmentVersion).
			Updates(map[string]interface{}{
				"assignment_version": job.AssignmentVersion + 1,
				"status":             models.JobStatusInProgress,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.KindStateConflict, "concurrent claim detected, please retry")
		}

		created = models.Submission{
			JobID:        job.ID,
			TesterID:     testerID,
			ServiceType:  models.ServiceTest,
			Status:       models.SubmissionDraft,
			PayoutAmount: job.PayoutAmount,
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// DraftUpdate carries a partial edit of a draft. Nil fields are untouched.
type DraftUpdate struct {
	OverallFeedback *string
	UsabilityScore  *int
	BugReports      []models.BugReport
	Suggestions     *string
	DocumentText    *string
	Transcript      *string
}

// SaveDraft applies a partial update. Only drafts are editable; anything
// later in the lifecycle (including rejected) is a state conflict.
func (s *SubmissionService) SaveDraft(testerID, subID uuid.UUID, upd DraftUpdate) (*models.Submission, error) {
	sub, err := s.loadForTester(testerID, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubmissionDraft {
		return nil, apperr.Newf(apperr.KindStateConflict, "submission is %s, only drafts can be edited", sub.Status)
	}

	if upd.UsabilityScore != nil && (*upd.UsabilityScore < 1 || *upd.UsabilityScore > 5) {
		return nil, apperr.Validation("invalid submission", map[string]string{"usability_score": "must be between 1 and 5"})
	}
	for i, br := range upd.BugReports {
		if !models.ValidSeverity(br.Severity) {
			return nil, apperr.Validation("invalid submission", map[string]string{
				fmt.Sprintf("bug_reports[%d].severity", i): "must be one of low, medium, high, critical",
			})
		}
	}

	changes := map[string]interface{}{}
	if upd.OverallFeedback != nil {
		changes["overall_feedback"] = *upd.OverallFeedback
	}
	if upd.UsabilityScore != nil {
		changes["usability_score"] = *upd.UsabilityScore
	}
	if upd.BugReports != nil {
		raw, err := json.Marshal(upd.BugReports)
		if err != nil {
			return nil, err
		}
		changes["bug_reports"] = datatypes.JSON(raw)
	}
	if upd.Suggestions != nil {
		changes["suggestions"] = *upd.Suggestions
	}
	if upd.DocumentText != nil {
		changes["document_text"] = *upd.DocumentText
	}
	if upd.Transcript != nil {
		changes["transcript"] = *upd.Transcript
	}
	if len(changes) == 0 {
		return sub, nil
	}

	// Guard on status again in the WHERE clause so a concurrent submit
	// cannot interleave with the edit.
	res := s.DB.Model(&models.Submission{}).
		Where("id = ? AND status = ?", sub.ID, models.SubmissionDraft).
		Updates(changes)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.New(apperr.KindStateConflict, "submission is no longer a draft")
	}

	return s.reload(sub.ID)
}

// SaveVideoTags replaces the time-ranged tag list on a record/voiceover
// draft.
func (s *SubmissionService) SaveVideoTags(testerID, subID uuid.UUID, tags []models.VideoTag) (*models.Submission, error) {
	sub, err := s.loadForTester(testerID, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubmissionDraft {
		return nil, apperr.Newf(apperr.KindStateConflict, "submission is %s, only drafts can be edited", sub.Status)
	}
	if sub.ServiceType != models.ServiceRecord && sub.ServiceType != models.ServiceVoiceover {
		return nil, apperr.New(apperr.KindValidation, "video tags only apply to record and voiceover submissions")
	}

	for i, tag := range tags {
		if tag.StartSeconds < 0 || tag.EndSeconds < tag.StartSeconds {
			return nil, apperr.Validation("invalid video tags", map[string]string{
				fmt.Sprintf("video_tags[%d]", i): "start must be >= 0 and end must be >= start",
			})
		}
	}

	raw, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}

	res := s.DB.Model(&models.Submission{}).
		Where("id = ? AND status = ?", sub.ID, models.SubmissionDraft).
		Update("video_tags", datatypes.JSON(raw))
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.New(apperr.KindStateConflict, "submission is no longer a draft")
	}
	return s.reload(sub.ID)
}

// AttachVideo stores the uploaded video's stable URL on a draft.
func (s *SubmissionService) AttachVideo(testerID, subID uuid.UUID, videoURL string) (*models.Submission, error) {
	sub, err := s.loadForTester(testerID, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubmissionDraft {
		return nil, apperr.Newf(apperr.KindStateConflict, "submission is %s, only drafts can be edited", sub.Status)
	}

	res := s.DB.Model(&models.Submission{}).
		Where("id = ? AND status = ?", sub.ID, models.SubmissionDraft).
		Update("video_url", videoURL)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.New(apperr.KindStateConflict, "submission is no longer a draft")
	}
	return s.reload(sub.ID)
}

// Submit validates the service type's required fields and transitions the
// draft to submitted.
func (s *SubmissionService) Submit(testerID, subID uuid.UUID) (*models.Submission, error) {
	sub, err := s.loadForTester(testerID, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubmissionDraft {
		return nil, apperr.Newf(apperr.KindStateConflict, "submission is %s, only drafts can be submitted", sub.Status)
	}

	if missing := missingFields(sub); len(missing) > 0 {
		return nil, apperr.Validation("incomplete submission", missing)
	}

	now := time.Now()
	res := s.DB.Model(&models.Submission{}).
		Where("id = ? AND status = ?", sub.ID, models.SubmissionDraft).
		Updates(map[string]interface{}{
			"status":       models.SubmissionSubmitted,
			"submitted_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.New(apperr.KindStateConflict, "submission is no longer a draft")
	}
	return s.reload(sub.ID)
}

// missingFields returns the unmet required fields for the submission's
// service type, keyed by field name.
func missingFields(sub *models.Submission) map[string]string {
	missing := map[string]string{}
	switch sub.ServiceType {
	case models.ServiceTest:
		if sub.OverallFeedback == "" {
			missing["overall_feedback"] = "required"
		}
		if sub.UsabilityScore == nil {
			missing["usability_score"] = "required"
		}
	case models.ServiceRecord:
		if sub.VideoURL == "" {
			missing["video_url"] = "required"
		}
	case models.ServiceVoiceover:
		if sub.VideoURL == "" {
			missing["video_url"] = "required"
		}
		if sub.Transcript == "" {
			missing["transcript"] = "required"
		}
	case models.ServiceDocument:
		if sub.DocumentText == "" {
			missing["document_text"] = "required"
		}
	}
	return missing
}

// Approve records the builder's acceptance, credits the tester's balance
// and releases the payout through the processor. A transfer failure is
// returned to the caller but never rolls back the approval; the wallet
// ledger keeps the amount owed so the transfer can be retried.
func (s *SubmissionService) Approve(builderID, subID uuid.UUID, feedback string, rating *int) (*models.Submission, error) {
	if rating != nil && (*rating < 1 || *rating > 5) {
		return nil, apperr.Validation("invalid review", map[string]string{"rating": "must be between 1 and 5"})
	}

	sub, err := s.loadForBuilder(builderID, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubmissionSubmitted {
		return nil, apperr.Newf(apperr.KindStateConflict, "submission is %s, only submitted submissions can be approved", sub.Status)
	}

	now := time.Now()
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		changes := map[string]interface{}{
			"status":          models.SubmissionApproved,
			"review_feedback": feedback,
			"reviewed_at":     now,
		}
		if rating != nil {
			changes["review_rating"] = *rating
		}

		res := tx.Model(&models.Submission{}).
			Where("id = ? AND status = ?", sub.ID, models.SubmissionSubmitted).
			Updates(changes)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.KindStateConflict, "submission is no longer awaiting review")
		}

		if sub.PayoutAmount > 0 {
			desc := "Payout for approved submission"
			if err := s.Wallet.CreditTester(tx, sub.TesterID, sub.PayoutAmount, sub.ID, desc); err != nil {
				return err
			}
		}

		return s.maybeCompleteJob(tx, sub.JobID)
	})
	if err != nil {
		return nil, err
	}

	reloaded, rerr := s.reload(sub.ID)
	if rerr != nil {
		return nil, rerr
	}

	// Payout transfer happens outside the transaction: the approval is the
	// record of builder intent, transfer retry is a separate concern.
	if err := s.releaseTransfer(reloaded); err != nil {
		return reloaded, apperr.Wrap(apperr.KindPayment, "approval recorded but payout transfer failed", err)
	}
	return reloaded, nil
}

func (s *SubmissionService) releaseTransfer(sub *models.Submission) error {
	if s.Gateway == nil || sub.PayoutAmount <= 0 {
		return nil
	}
	var tester models.User
	if err := s.DB.First(&tester, "id = ?", sub.TesterID).Error; err != nil {
		return err
	}
	if tester.StripeAccountID == "" {
		// No payout account connected yet; the balance credit stands and the
		// transfer happens once onboarding completes.
		log.Printf("payout held for tester %s: no connected account", sub.TesterID)
		return nil
	}
	_, err := s.Gateway.CreateTransfer(sub.PayoutAmount, tester.StripeAccountID, "PeerTest Hub payout "+sub.ID.String())
	return err
}

// Reject requires feedback and is terminal: the tester cannot edit the
// submission back into draft.
func (s *SubmissionService) Reject(builderID, subID uuid.UUID, feedback string) (*models.Submission, error) {
	if feedback == "" {
		return nil, apperr.Validation("invalid review", map[string]string{"feedback": "required when rejecting"})
	}

	sub, err := s.loadForBuilder(builderID, subID)
	if err != nil {
		return nil, err
	}
	if sub.Status != models.SubmissionSubmitted {
		return nil, apperr.Newf(apperr.KindStateConflict, "submission is %s, only submitted submissions can be rejected", sub.Status)
	}

	now := time.Now()
	res := s.DB.Model(&models.Submission{}).
		Where("id = ? AND status = ?", sub.ID, models.SubmissionSubmitted).
		Updates(map[string]interface{}{
			"status":          models.SubmissionRejected,
			"review_feedback": feedback,
			"reviewed_at":     now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.New(apperr.KindStateConflict, "submission is no longer awaiting review")
	}
	return s.reload(sub.ID)
}

// maybeCompleteJob flips a job to completed once every submission is
// approved and, for classic jobs, every slot is filled.
func (s *SubmissionService) maybeCompleteJob(tx *gorm.DB, jobID uuid.UUID) error {
	var job models.Job
	if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
		return err
	}

	var total, approved int64
	if err := tx.Model(&models.Submission{}).Where("job_id = ?", jobID).Count(&total).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.Submission{}).
		Where("job_id = ? AND status = ?", jobID, models.SubmissionApproved).
		Count(&approved).Error; err != nil {
		return err
	}

	if total == 0 || approved != total {
		return nil
	}
	if job.Kind == models.JobKindClassic && total < int64(job.MaxTesters) {
		return nil
	}

	return tx.Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusInProgress).
		Update("status", models.JobStatusCompleted).Error
}

// AutoApproveStale approves submissions that have been waiting for review
// longer than the window. Used by the background sweep; reuses the same
// guarded transition as a manual approval.
func (s *SubmissionService) AutoApproveStale(window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window)

	var stale []models.Submission
	if err := s.DB.Preload("Job").
		Where("status = ? AND submitted_at <= ?", models.SubmissionSubmitted, cutoff).
		Find(&stale).Error; err != nil {
		return 0, err
	}

	approved := 0
	for _, sub := range stale {
		if sub.Job == nil {
			continue
		}
		_, err := s.Approve(sub.Job.BuilderID, sub.ID, "Auto-approved after review window elapsed", nil)
		if err != nil {
			if apperr.Is(err, apperr.KindPayment) {
				// approval stood, only the transfer failed
				approved++
				continue
			}
			log.Printf("[AutoApprove] submission %s: %v", sub.ID, err)
			continue
		}
		approved++
	}
	return approved, nil
}

func (s *SubmissionService) loadForTester(testerID, subID uuid.UUID) (*models.Submission, error) {
	var sub models.Submission
	if err := s.DB.First(&sub, "id = ?", subID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("submission")
		}
		return nil, err
	}
	if sub.TesterID != testerID {
		return nil, apperr.New(apperr.KindAuthorization, "not your submission")
	}
	return &sub, nil
}

func (s *SubmissionService) loadForBuilder(builderID, subID uuid.UUID) (*models.Submission, error) {
	var sub models.Submission
	if err := s.DB.Preload("Job").First(&sub, "id = ?", subID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("submission")
		}
		return nil, err
	}
	if sub.Job == nil || sub.Job.BuilderID != builderID {
		return nil, apperr.New(apperr.KindAuthorization, "not your submission to review")
	}
	return &sub, nil
}

func (s *SubmissionService) reload(id uuid.UUID) (*models.Submission, error) {
	var sub models.Submission
	if err := s.DB.First(&sub, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}
