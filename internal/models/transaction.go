package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TransactionStatus string

const (
	TransactionStatusUnpaid TransactionStatus = "UNPAID"
	TransactionStatusPaid   TransactionStatus = "PAID"
	TransactionStatusFailed TransactionStatus = "FAILED"
)

// Transaction is the charge record for one accepted-and-paid bid, or for a
// classic job's publish charge (BidID nil). Amounts are in cents and must
// always satisfy TotalAmount == BaseAmount + PlatformFee under the pricing
// package's rounding rule.
type Transaction struct {
	ID    uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	JobID uuid.UUID  `gorm:"type:uuid;index;not null" json:"job_id"`
	BidID *uuid.UUID `gorm:"type:uuid;index" json:"bid_id,omitempty"`

	// Stripe PaymentIntent id ("pi_..."); unique so duplicate webhook
	// deliveries resolve to the same row.
	PaymentIntentID string `gorm:"type:varchar(64);uniqueIndex" json:"payment_intent_id"`
	ClientSecret    string `gorm:"type:text" json:"-"`

	BaseAmount  int64 `json:"base_amount"`
	PlatformFee int64 `json:"platform_fee"`
	TotalAmount int64 `json:"total_amount"`

	Status TransactionStatus `gorm:"type:varchar(20);default:'UNPAID'" json:"status"`
	PaidAt *time.Time        `json:"paid_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Job *Job `gorm:"foreignKey:JobID" json:"job,omitempty"`
	Bid *Bid `gorm:"foreignKey:BidID" json:"bid,omitempty"`
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) (err error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return
}
