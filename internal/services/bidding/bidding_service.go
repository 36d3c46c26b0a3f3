// Package bidding implements the negotiation protocol for structured jobs:
// testers place bids at the job's assignment granularity, the builder
// accepts at most one bid per overlapping scope.
package bidding

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/peertesthub/backend/internal/apperr"
	"github.com/peertesthub/backend/internal/models"
)

type BiddingService struct {
	DB *gorm.DB

	// AutoRejectCompeting rejects competing pending bids on overlapping
	// scopes when one is accepted. Off by default: stale pending bids stay
	// visible for the audit trail.
	AutoRejectCompeting bool
}

func NewBiddingService(db *gorm.DB, autoRejectCompeting bool) *BiddingService {
	return &BiddingService{DB: db, AutoRejectCompeting: autoRejectCompeting}
}

// Scope identifies what a bid applies to. Both ids nil means the whole job;
// exactly one is set for role- or item-level bids.
type Scope struct {
	RoleID *uuid.UUID
	ItemID *uuid.UUID
}

type PlaceBidInput struct {
	JobID    uuid.UUID
	TesterID uuid.UUID
	Scope    Scope
	// PriceCents is the tester's offer for the whole scope.
	PriceCents int64
	Message    string
}

// PlaceBid validates the scope against the job's assignment type, rejects
// duplicate pending bids at the same scope, derives is_counter and persists
// the bid as pending.
func (s *BiddingService) PlaceBid(in PlaceBidInput) (*models.Bid, error) {
	if in.PriceCents <= 0 {
		return nil, apperr.Validation("invalid bid", map[string]string{"bid_price": "must be positive"})
	}

	var job models.Job
	if err := s.DB.First(&job, "id = ?", in.JobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("job")
		}
		return nil, err
	}

	if job.Kind != models.JobKindStructured {
		return nil, apperr.New(apperr.KindValidation, "job does not accept bids")
	}
	if job.Status != models.JobStatusOpen && job.Status != models.JobStatusInProgress {
		return nil, apperr.New(apperr.KindStateConflict, "job is not open for bidding")
	}

	if err := s.checkScope(&job, in.Scope); err != nil {
		return nil, err
	}

	// One non-terminal bid per tester per exact scope.
	var pending int64
	q := s.DB.Model(&models.Bid{}).
		Where("job_id = ? AND tester_id = ? AND status = ?", job.ID, in.TesterID, models.BidStatusPending)
	q = scopeWhere(q, in.Scope)
	if err := q.Count(&pending).Error; err != nil {
		return nil, err
	}
	if pending > 0 {
		return nil, apperr.New(apperr.KindStateConflict, "you already have a pending bid at this scope")
	}

	proposed, err := s.ScopeProposedTotal(job.ID, job.AssignmentType, in.Scope)
	if err != nil {
		return nil, err
	}

	bid := models.Bid{
		JobID:       job.ID,
		TesterID:    in.TesterID,
		ScopeRoleID: in.Scope.RoleID,
		ScopeItemID: in.Scope.ItemID,
		BidPrice:    in.PriceCents,
		Message:     in.Message,
		IsCounter:   in.PriceCents != proposed,
		Status:      models.BidStatusPending,
	}
	if err := s.DB.Create(&bid).Error; err != nil {
		return nil, err
	}
	return &bid, nil
}

// checkScope enforces that the bid's granularity matches the job's
// assignment type and that the referenced role/item belongs to the job.
func (s *BiddingService) checkScope(job *models.Job, sc Scope) error {
	switch job.AssignmentType {
	case models.AssignPerJob:
		if sc.RoleID != nil || sc.ItemID != nil {
			return apperr.New(apperr.KindValidation, "scope mismatch: job is assigned per_job, bid must target the whole job")
		}
	case models.AssignPerRole:
		if sc.RoleID == nil || sc.ItemID != nil {
			return apperr.New(apperr.KindValidation, "scope mismatch: job is assigned per_role, bid must target one role")
		}
		var n int64
		if err := s.DB.Model(&models.JobRole{}).
			Where("id = ? AND job_id = ?", sc.RoleID, job.ID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return apperr.NotFound("role")
		}
	case models.AssignPerItem:
		if sc.ItemID == nil || sc.RoleID != nil {
			return apperr.New(apperr.KindValidation, "scope mismatch: job is assigned per_item, bid must target one item")
		}
		var n int64
		if err := s.DB.Model(&models.Item{}).
			Joins("JOIN job_roles ON job_roles.id = items.role_id").
			Where("items.id = ? AND job_roles.job_id = ?", sc.ItemID, job.ID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return apperr.NotFound("item")
		}
	default:
		return apperr.New(apperr.KindValidation, "job has no assignment type")
	}
	return nil
}

// ScopeProposedTotal sums the builder-proposed item prices inside a scope,
// in cents. This is the reference price a counter-offer deviates from.
func (s *BiddingService) ScopeProposedTotal(jobID uuid.UUID, at models.AssignmentType, sc Scope) (int64, error) {
	var total int64
	switch at {
	case models.AssignPerJob:
		err := s.DB.Model(&models.Item{}).
			Joins("JOIN job_roles ON job_roles.id = items.role_id").
			Where("job_roles.job_id = ?", jobID).
			Select("COALESCE(SUM(items.proposed_price), 0)").
			Scan(&total).Error
		return total, err
	case models.AssignPerRole:
		err := s.DB.Model(&models.Item{}).
			Where("role_id = ?", sc.RoleID).
			Select("COALESCE(SUM(proposed_price), 0)").
			Scan(&total).Error
		return total, err
	case models.AssignPerItem:
		err := s.DB.Model(&models.Item{}).
			Where("id = ?", sc.ItemID).
			Select("COALESCE(proposed_price, 0)").
			Scan(&total).Error
		return total, err
	}
	return 0, apperr.New(apperr.KindValidation, "job has no assignment type")
}

// WithdrawBid transitions the tester's own pending bid to withdrawn.
// Repeat calls fail with a state conflict, never silently succeed.
func (s *BiddingService) WithdrawBid(testerID, bidID uuid.UUID) error {
	var bid models.Bid
	if err := s.DB.First(&bid, "id = ?", bidID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("bid")
		}
		return err
	}
	if bid.TesterID != testerID {
		return apperr.New(apperr.KindAuthorization, "not your bid")
	}

	res := s.DB.Model(&models.Bid{}).
		Where("id = ? AND status = ?", bidID, models.BidStatusPending).
		Update("status", models.BidStatusWithdrawn)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.KindStateConflict, "bid is %s, only pending bids can be withdrawn", bid.Status)
	}
	return nil
}

// RejectBid is the builder declining a pending bid.
func (s *BiddingService) RejectBid(builderID, bidID uuid.UUID) error {
	bid, err := s.loadBidForBuilder(builderID, bidID)
	if err != nil {
		return err
	}

	res := s.DB.Model(&models.Bid{}).
		Where("id = ? AND status = ?", bidID, models.BidStatusPending).
		Update("status", models.BidStatusRejected)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.KindStateConflict, "bid is %s, only pending bids can be rejected", bid.Status)
	}
	return nil
}

// AcceptBid transitions a pending bid to accepted, provided no other bid at
// an overlapping scope has been accepted. The whole operation runs in one
// DB transaction: a conditional status update guards the bid's lifecycle
// and an optimistic bump of the job's assignment version serializes racing
// accepts, so at most one bid per overlapping scope can ever win.
//
// Accepting does not touch payment_status and does not reject competing
// pending bids unless AutoRejectCompeting is set.
func (s *BiddingService) AcceptBid(builderID, bidID uuid.UUID) (*models.Bid, error) {
	var accepted models.Bid

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var bid models.Bid
		if err := tx.Preload("Job").First(&bid, "id = ?", bidID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("bid")
			}
			return err
		}
		if bid.Job == nil || bid.Job.BuilderID != builderID {
			return apperr.New(apperr.KindAuthorization, "only the job's builder can accept bids")
		}
		if bid.Status != models.BidStatusPending {
			return apperr.Newf(apperr.KindStateConflict, "bid is %s, only pending bids can be accepted", bid.Status)
		}

		version := bid.Job.AssignmentVersion

		// Any already-accepted bid on an overlapping scope blocks this one.
		overlapping, err := s.countOverlappingAccepted(tx, bid.Job, Scope{RoleID: bid.ScopeRoleID, ItemID: bid.ScopeItemID}, bid.ID)
		if err != nil {
			return err
		}
		if overlapping > 0 {
			return apperr.New(apperr.KindScopeConflict, "scope already assigned to an accepted bid")
		}

		now := time.Now()
		res := tx.Model(&models.Bid{}).
			Where("id = ? AND status = ?", bid.ID, models.BidStatusPending).
			Updates(map[string]interface{}{
				"status":      models.BidStatusAccepted,
				"accepted_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.KindStateConflict, "bid is no longer pending")
		}

		// Optimistic concurrency guard: a concurrent accept on the same job
		// has already bumped the version, so the later transaction loses.
		res = tx.Model(&models.Job{}).
			Where("id = ? AND assignment_version = ?", bid.JobID, version).
			Update("assignment_version", version+1)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.KindScopeConflict, "concurrent acceptance detected, please retry")
		}

		if s.AutoRejectCompeting {
			if err := s.rejectCompeting(tx, bid.Job, &bid); err != nil {
				return err
			}
		}

		bid.Status = models.BidStatusAccepted
		bid.AcceptedAt = &now
		accepted = bid
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &accepted, nil
}

// countOverlappingAccepted counts accepted bids whose scope overlaps sc.
// Overlap follows the assignment type: a per_job scope overlaps everything
// on the job, a per_role scope overlaps the role, a per_item scope only the
// item itself.
func (s *BiddingService) countOverlappingAccepted(tx *gorm.DB, job *models.Job, sc Scope, excludeBid uuid.UUID) (int64, error) {
	q := tx.Model(&models.Bid{}).
		Where("job_id = ? AND status = ? AND id != ?", job.ID, models.BidStatusAccepted, excludeBid)

	switch job.AssignmentType {
	case models.AssignPerJob:
		// whole-job scope overlaps every other scope on the job
	case models.AssignPerRole:
		q = q.Where("scope_role_id = ?", sc.RoleID)
	case models.AssignPerItem:
		q = q.Where("scope_item_id = ?", sc.ItemID)
	}

	var n int64
	err := q.Count(&n).Error
	return n, err
}

func (s *BiddingService) rejectCompeting(tx *gorm.DB, job *models.Job, winner *models.Bid) error {
	q := tx.Model(&models.Bid{}).
		Where("job_id = ? AND status = ? AND id != ?", job.ID, models.BidStatusPending, winner.ID)

	switch job.AssignmentType {
	case models.AssignPerJob:
	case models.AssignPerRole:
		q = q.Where("scope_role_id = ?", winner.ScopeRoleID)
	case models.AssignPerItem:
		q = q.Where("scope_item_id = ?", winner.ScopeItemID)
	}

	return q.Update("status", models.BidStatusRejected).Error
}

func (s *BiddingService) loadBidForBuilder(builderID, bidID uuid.UUID) (*models.Bid, error) {
	var bid models.Bid
	if err := s.DB.Preload("Job").First(&bid, "id = ?", bidID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("bid")
		}
		return nil, err
	}
	if bid.Job == nil || bid.Job.BuilderID != builderID {
		return nil, apperr.New(apperr.KindAuthorization, "only the job's builder can manage its bids")
	}
	return &bid, nil
}

func scopeWhere(q *gorm.DB, sc Scope) *gorm.DB {
	if sc.RoleID != nil {
		q = q.Where("scope_role_id = ?", sc.RoleID)
	} else {
		q = q.Where("scope_role_id IS NULL")
	}
	if sc.ItemID != nil {
		q = q.Where("scope_item_id = ?", sc.ItemID)
	} else {
		q = q.Where("scope_item_id IS NULL")
	}
	return q
}
