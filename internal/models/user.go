package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Role string

const (
	RoleBuilder Role = "builder"
	RoleTester  Role = "tester"
)

type User struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Email     string    `gorm:"uniqueIndex;not null" json:"email"`
	FirstName string    `gorm:"not null" json:"first_name"`
	LastName  string    `gorm:"not null" json:"last_name"`

	Password string `gorm:"not null" json:"-"`
	Role     Role   `gorm:"type:varchar(20);not null;index" json:"role"`
	IsActive bool   `gorm:"default:true" json:"is_active"`

	IsVerified  bool   `gorm:"default:false" json:"is_verified"`
	VerifyToken string `gorm:"type:varchar(64);index" json:"-"`

	// GitHub OAuth identity, set when the account was created or linked via OAuth.
	GitHubID string `gorm:"type:varchar(40);index" json:"-"`

	// Stripe Connect account for tester payouts. Empty until onboarding completes.
	StripeAccountID string `gorm:"type:varchar(64)" json:"-"`

	// Accumulated payout balance in cents.
	Balance int64 `gorm:"default:0" json:"balance"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return
}
