package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type JobStatus string

const (
	JobStatusPendingPayment JobStatus = "pending_payment"
	JobStatusOpen           JobStatus = "open"
	JobStatusInProgress     JobStatus = "in_progress"
	JobStatusCompleted      JobStatus = "completed"
)

type JobKind string

const (
	// Classic jobs are claim-based: the builder pays up front and any tester
	// may claim a slot until max_testers is reached.
	JobKindClassic JobKind = "classic"
	// Structured jobs are bid-based: testers bid at the job's assignment
	// granularity and the builder pays per accepted bid.
	JobKindStructured JobKind = "structured"
)

type AssignmentType string

const (
	AssignPerJob  AssignmentType = "per_job"
	AssignPerRole AssignmentType = "per_role"
	AssignPerItem AssignmentType = "per_item"
)

type Job struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProjectID uuid.UUID `gorm:"type:uuid;index;not null" json:"project_id"`
	BuilderID uuid.UUID `gorm:"type:uuid;index;not null" json:"builder_id"`

	Kind        JobKind `gorm:"type:varchar(20);not null;default:'classic'" json:"kind"`
	Title       string  `gorm:"not null" json:"title"`
	Description string  `gorm:"type:text" json:"description"`

	// Classic fields. PayoutAmount is in cents.
	PayoutAmount int64 `json:"payout_amount"`
	MaxTesters   int   `gorm:"default:1" json:"max_testers"`

	// Structured fields. AssignmentType is fixed at publish and never changes.
	AssignmentType AssignmentType `gorm:"type:varchar(20)" json:"assignment_type,omitempty"`

	EstimatedTimeMinutes int       `json:"estimated_time_minutes"`
	Status               JobStatus `gorm:"type:varchar(20);default:'open';index" json:"status"`

	// AssignmentVersion is bumped on every bid acceptance with an optimistic
	// version check, so two racing accepts on overlapping scopes cannot both
	// commit.
	AssignmentVersion int64 `gorm:"default:0" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Project *Project  `gorm:"foreignKey:ProjectID" json:"project,omitempty"`
	Builder *User     `gorm:"foreignKey:BuilderID" json:"builder,omitempty"`
	Roles   []JobRole `gorm:"foreignKey:JobID" json:"roles,omitempty"`
}

func (j *Job) BeforeCreate(tx *gorm.DB) (err error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return
}

// JobRole is one persona within a structured job (e.g. "Admin", "Shopper"),
// optionally carrying shared login credentials for that persona. Credentials
// are only ever serialized to the assigned tester; everyone else gets a
// redacted view (see handlers).
type JobRole struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID    uuid.UUID `gorm:"type:uuid;index;not null" json:"job_id"`
	Position int       `gorm:"not null" json:"position"`

	Name        string `gorm:"not null" json:"name"`
	Description string `gorm:"type:text" json:"description"`

	LoginEmail    string `json:"-"`
	LoginPassword string `json:"-"`
	LoginNotes    string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `json:"created_at"`

	Items []Item `gorm:"foreignKey:RoleID" json:"items,omitempty"`
}

func (r *JobRole) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return
}

func (r *JobRole) HasCredentials() bool {
	return r.LoginEmail != "" || r.LoginPassword != ""
}

type ServiceType string

const (
	ServiceTest      ServiceType = "test"
	ServiceRecord    ServiceType = "record"
	ServiceDocument  ServiceType = "document"
	ServiceVoiceover ServiceType = "voiceover"
)

func ValidServiceType(t ServiceType) bool {
	switch t {
	case ServiceTest, ServiceRecord, ServiceDocument, ServiceVoiceover:
		return true
	}
	return false
}

// Page is a reference page inside an item's flow, stored as a JSON array on
// the item rather than its own table.
type Page struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

type Item struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	RoleID   uuid.UUID `gorm:"type:uuid;index;not null" json:"role_id"`
	Position int       `gorm:"not null" json:"position"`

	Title       string      `gorm:"not null" json:"title"`
	Description string      `gorm:"type:text" json:"description"`
	ServiceType ServiceType `gorm:"type:varchar(20);not null" json:"service_type"`

	// ProposedPrice is the builder's asking price for this item, in cents.
	ProposedPrice    int64 `gorm:"not null" json:"proposed_price"`
	EstimatedMinutes int   `json:"estimated_minutes"`

	Pages datatypes.JSON `json:"pages"`

	CreatedAt time.Time `json:"created_at"`
}

func (i *Item) BeforeCreate(tx *gorm.DB) (err error) {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return
}
