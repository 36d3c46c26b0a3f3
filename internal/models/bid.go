package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BidStatus string

const (
	BidStatusPending   BidStatus = "pending"
	BidStatusAccepted  BidStatus = "accepted"
	BidStatusRejected  BidStatus = "rejected"
	BidStatusWithdrawn BidStatus = "withdrawn"
)

type BidPaymentStatus string

const (
	BidUnpaid BidPaymentStatus = "unpaid"
	BidPaid   BidPaymentStatus = "paid"
)

// Bid is a tester's offer to take on one scope of a structured job. The
// scope granularity must match the job's assignment type: per_job bids carry
// neither scope id, per_role bids carry ScopeRoleID, per_item bids carry
// ScopeItemID.
type Bid struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID    uuid.UUID `gorm:"type:uuid;index;not null" json:"job_id"`
	TesterID uuid.UUID `gorm:"type:uuid;index;not null" json:"tester_id"`

	ScopeRoleID *uuid.UUID `gorm:"type:uuid;index" json:"scope_role_id,omitempty"`
	ScopeItemID *uuid.UUID `gorm:"type:uuid;index" json:"scope_item_id,omitempty"`

	// BidPrice is in cents. IsCounter is derived at placement time by
	// comparing against the proposed total of the scope.
	BidPrice  int64  `gorm:"not null" json:"bid_price"`
	Message   string `gorm:"type:text" json:"message"`
	IsCounter bool   `gorm:"default:false" json:"is_counter"`

	Status        BidStatus        `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	PaymentStatus BidPaymentStatus `gorm:"type:varchar(20);default:'unpaid'" json:"payment_status"`

	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	PaidAt     *time.Time `json:"paid_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Job    *Job  `gorm:"foreignKey:JobID" json:"job,omitempty"`
	Tester *User `gorm:"foreignKey:TesterID" json:"tester,omitempty"`
}

func (b *Bid) BeforeCreate(tx *gorm.DB) (err error) {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return
}
