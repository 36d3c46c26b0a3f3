package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusArchived ProjectStatus = "archived"
)

type Project struct {
	ID        uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	BuilderID uuid.UUID     `gorm:"type:uuid;index;not null" json:"builder_id"`
	Name      string        `gorm:"not null" json:"name"`
	Description string      `gorm:"type:text" json:"description"`
	HostedURL string        `json:"hosted_url"`
	Category  string        `gorm:"type:varchar(50);index" json:"category"`
	Status    ProjectStatus `gorm:"type:varchar(20);default:'active'" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Builder *User `gorm:"foreignKey:BuilderID" json:"builder,omitempty"`
}

func (p *Project) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return
}
