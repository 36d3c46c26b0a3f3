package handlers

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/peertesthub/backend/internal/apperr"
	"github.com/peertesthub/backend/internal/models"
	"github.com/peertesthub/backend/internal/realtime"
	"github.com/peertesthub/backend/internal/services/mailer"
	"github.com/peertesthub/backend/internal/services/submissions"
)

type SubmissionHandler struct {
	DB        *gorm.DB
	Service   *submissions.SubmissionService
	Notifier  *realtime.Notifier
	Mailer    *mailer.MailerService
	UploadDir string
}

func NewSubmissionHandler(db *gorm.DB, svc *submissions.SubmissionService, n *realtime.Notifier, m *mailer.MailerService, uploadDir string) *SubmissionHandler {
	return &SubmissionHandler{DB: db, Service: svc, Notifier: n, Mailer: m, UploadDir: uploadDir}
}

// List returns the caller's submissions: their own work for testers, all
// submissions across their jobs for builders.
func (h *SubmissionHandler) List(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}

	var subs []models.Submission
	q := h.DB.Preload("Job").Preload("Item").Order("created_at DESC")

	if authRole(c) == string(models.RoleBuilder) {
		q = q.Joins("JOIN jobs ON jobs.id = submissions.job_id").
			Where("jobs.builder_id = ?", uid).
			Preload("Tester")
	} else {
		q = q.Where("tester_id = ?", uid)
	}
	if status := c.Query("status"); status != "" {
		q = q.Where("submissions.status = ?", status)
	}
	if jobID := c.Query("job_id"); jobID != "" {
		q = q.Where("submissions.job_id = ?", jobID)
	}

	if err := q.Find(&subs).Error; err != nil {
		return respondErr(c, err)
	}
	return ok(c, subs)
}

func (h *SubmissionHandler) Get(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	var sub models.Submission
	if err := h.DB.Preload("Job").Preload("Item").Preload("Tester").
		First(&sub, "id = ?", id).Error; err != nil {
		return respondErr(c, apperr.NotFound("submission"))
	}
	if sub.TesterID != uid && (sub.Job == nil || sub.Job.BuilderID != uid) {
		return respondErr(c, apperr.New(apperr.KindAuthorization, "not your submission"))
	}
	return ok(c, sub)
}

type DraftReq struct {
	OverallFeedback *string            `json:"overall_feedback"`
	UsabilityScore  *int               `json:"usability_score"`
	BugReports      []models.BugReport `json:"bug_reports"`
	Suggestions     *string            `json:"suggestions"`
	DocumentText    *string            `json:"document_text"`
	Transcript      *string            `json:"transcript"`
}

// UpdateDraft is PUT /api/submissions/:id, partial.
func (h *SubmissionHandler) UpdateDraft(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	var req DraftReq
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid body",
		})
	}

	sub, err := h.Service.SaveDraft(uid, id, submissions.DraftUpdate{
		OverallFeedback: req.OverallFeedback,
		UsabilityScore:  req.UsabilityScore,
		BugReports:      req.BugReports,
		Suggestions:     req.Suggestions,
		DocumentText:    req.DocumentText,
		Transcript:      req.Transcript,
	})
	if err != nil {
		return respondErr(c, err)
	}
	return ok(c, sub)
}

// UpdateVideoTags is PUT /api/submissions/:id/video-tags.
func (h *SubmissionHandler) UpdateVideoTags(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	var req struct {
		VideoTags []models.VideoTag `json:"video_tags"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid body",
		})
	}

	sub, err := h.Service.SaveVideoTags(uid, id, req.VideoTags)
	if err != nil {
		return respondErr(c, err)
	}
	return ok(c, sub)
}

var allowedVideoExt = map[string]bool{
	".mp4": true, ".webm": true, ".mov": true, ".mkv": true,
}

// UploadVideo stores the recording under the upload dir and attaches its
// URL to the draft.
func (h *SubmissionHandler) UploadVideo(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	file, err := c.FormFile("video")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "video file is required",
		})
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedVideoExt[ext] {
		return respondErr(c, apperr.Validation("invalid video", map[string]string{
			"video": "must be mp4, webm, mov or mkv",
		}))
	}

	dir := filepath.Join(h.UploadDir, "videos")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return respondErr(c, err)
	}

	filename := uuid.NewString() + ext
	if err := c.SaveFile(file, filepath.Join(dir, filename)); err != nil {
		return respondErr(c, err)
	}

	sub, err := h.Service.AttachVideo(uid, id, "/uploads/videos/"+filename)
	if err != nil {
		// orphaned file is cleaned up by ops tooling, not worth failing over
		return respondErr(c, err)
	}
	return ok(c, sub)
}

// Submit finalizes the draft for review.
func (h *SubmissionHandler) Submit(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	sub, err := h.Service.Submit(uid, id)
	if err != nil {
		return respondErr(c, err)
	}

	h.notifyReview(sub, realtime.EventSubmissionSent)
	return ok(c, sub)
}

type ReviewReq struct {
	Feedback string `json:"feedback"`
	Rating   *int   `json:"rating"`
}

func (h *SubmissionHandler) Approve(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	var req ReviewReq
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid body",
		})
	}

	sub, err := h.Service.Approve(uid, id, req.Feedback, req.Rating)
	if err != nil && sub == nil {
		return respondErr(c, err)
	}

	h.notifyReview(sub, realtime.EventSubmissionReviewed)
	h.mailReviewed(sub, "approved")

	if err != nil {
		// approval committed, payout transfer pending
		return respondErr(c, err)
	}
	return ok(c, sub)
}

func (h *SubmissionHandler) Reject(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	var req ReviewReq
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid body",
		})
	}

	sub, err := h.Service.Reject(uid, id, strings.TrimSpace(req.Feedback))
	if err != nil {
		return respondErr(c, err)
	}

	h.notifyReview(sub, realtime.EventSubmissionReviewed)
	h.mailReviewed(sub, "rejected")
	return ok(c, sub)
}

func (h *SubmissionHandler) notifyReview(sub *models.Submission, event string) {
	if h.Notifier == nil || sub == nil {
		return
	}
	var job models.Job
	if err := h.DB.First(&job, "id = ?", sub.JobID).Error; err != nil {
		return
	}
	payload, _ := json.Marshal(fiber.Map{
		"type":          event,
		"submission_id": sub.ID,
		"job_id":        sub.JobID,
		"status":        sub.Status,
	})
	h.Notifier.Notify(job.BuilderID, sub.TesterID, json.RawMessage(payload))
}

func (h *SubmissionHandler) mailReviewed(sub *models.Submission, outcome string) {
	if h.Mailer == nil || sub == nil {
		return
	}
	var tester models.User
	if err := h.DB.First(&tester, "id = ?", sub.TesterID).Error; err != nil {
		return
	}
	var job models.Job
	if err := h.DB.First(&job, "id = ?", sub.JobID).Error; err != nil {
		return
	}
	if err := h.Mailer.SendSubmissionReviewed(tester.Email, job.Title, outcome); err != nil {
		log.Printf("[Submission] mail to %s failed: %v", tester.Email, err)
	}
}
