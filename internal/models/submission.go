package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type SubmissionStatus string

const (
	SubmissionDraft     SubmissionStatus = "draft"
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionApproved  SubmissionStatus = "approved"
	SubmissionRejected  SubmissionStatus = "rejected"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// BugReport and VideoTag live inside JSON columns on the submission.
type BugReport struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Severity         Severity `json:"severity"`
	StepsToReproduce string   `json:"steps_to_reproduce"`
}

type VideoTag struct {
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	TagType      string  `json:"tag_type"`
	Note         string  `json:"note"`
}

// Submission is one tester's deliverable for one item (structured jobs) or
// for the job as a whole (classic jobs, where ItemID is nil). The unique
// index is what makes materialization after payment safe to retry.
type Submission struct {
	ID       uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	JobID    uuid.UUID  `gorm:"type:uuid;index;not null" json:"job_id"`
	ItemID   *uuid.UUID `gorm:"type:uuid;uniqueIndex:uq_sub_tester_item" json:"item_id,omitempty"`
	BidID    *uuid.UUID `gorm:"type:uuid;index" json:"bid_id,omitempty"`
	TesterID uuid.UUID  `gorm:"type:uuid;index;not null;uniqueIndex:uq_sub_tester_item" json:"tester_id"`

	ServiceType ServiceType      `gorm:"type:varchar(20);not null;default:'test'" json:"service_type"`
	Status      SubmissionStatus `gorm:"type:varchar(20);default:'draft';index" json:"status"`

	// Payout owed for this submission on approval, in cents.
	PayoutAmount int64 `json:"payout_amount"`

	// test
	OverallFeedback string         `gorm:"type:text" json:"overall_feedback"`
	UsabilityScore  *int           `json:"usability_score"`
	BugReports      datatypes.JSON `json:"bug_reports"`
	Suggestions     string         `gorm:"type:text" json:"suggestions"`

	// record / voiceover
	VideoURL  string         `json:"video_url"`
	VideoTags datatypes.JSON `json:"video_tags"`

	// document
	DocumentText string `gorm:"type:text" json:"document_text"`

	// voiceover
	Transcript string `gorm:"type:text" json:"transcript"`

	ReviewFeedback string `gorm:"type:text" json:"review_feedback"`
	ReviewRating   *int   `json:"review_rating,omitempty"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Job    *Job  `gorm:"foreignKey:JobID" json:"job,omitempty"`
	Item   *Item `gorm:"foreignKey:ItemID" json:"item,omitempty"`
	Tester *User `gorm:"foreignKey:TesterID" json:"tester,omitempty"`
}

func (s *Submission) BeforeCreate(tx *gorm.DB) (err error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return
}
