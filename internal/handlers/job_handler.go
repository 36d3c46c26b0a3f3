package handlers

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/peertesthub/backend/internal/apperr"
	"github.com/peertesthub/backend/internal/models"
	"github.com/peertesthub/backend/internal/pricing"
	"github.com/peertesthub/backend/internal/services/payments"
	"github.com/peertesthub/backend/internal/services/submissions"
)

type JobHandler struct {
	DB          *gorm.DB
	Payments    *payments.PaymentService
	Submissions *submissions.SubmissionService
}

func NewJobHandler(db *gorm.DB, pay *payments.PaymentService, subs *submissions.SubmissionService) *JobHandler {
	return &JobHandler{DB: db, Payments: pay, Submissions: subs}
}

// CreateJobReq is the classic flow: flat payout per tester, paid up front
// at publish. Amounts are in cents.
type CreateJobReq struct {
	ProjectID            string `json:"project_id"`
	Title                string `json:"title"`
	Description          string `json:"description"`
	PayoutAmount         int64  `json:"payout_amount"`
	MaxTesters           int    `json:"max_testers"`
	EstimatedTimeMinutes int    `json:"estimated_time_minutes"`
}

func (h *JobHandler) Create(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}

	var req CreateJobReq
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid body",
		})
	}

	errs := FieldErrors{}
	if strings.TrimSpace(req.Title) == "" {
		errs.Add("title", "title is required")
	}
	if req.PayoutAmount <= 0 {
		errs.Add("payout_amount", "payout must be positive")
	}
	if req.MaxTesters <= 0 {
		errs.Add("max_testers", "must allow at least one tester")
	}
	projectID, perr := uuid.Parse(req.ProjectID)
	if perr != nil {
		errs.Add("project_id", "must be a valid uuid")
	}
	if len(errs) > 0 {
		return validationFail(c, errs)
	}

	if err := h.checkProjectOwner(projectID, uid); err != nil {
		return respondErr(c, err)
	}

	job := models.Job{
		ProjectID:            projectID,
		BuilderID:            uid,
		Kind:                 models.JobKindClassic,
		Title:                strings.TrimSpace(req.Title),
		Description:          req.Description,
		PayoutAmount:         req.PayoutAmount,
		MaxTesters:           req.MaxTesters,
		EstimatedTimeMinutes: req.EstimatedTimeMinutes,
		Status:               models.JobStatusPendingPayment,
	}
	if err := h.DB.Create(&job).Error; err != nil {
		return respondErr(c, err)
	}
	return created(c, job)
}

// CreateStructuredJobReq is the structured flow: roles with ordered items,
// per-item proposed prices, and a fixed assignment granularity for bids.
type CreateStructuredJobReq struct {
	ProjectID      string `json:"project_id"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	AssignmentType string `json:"assignment_type"` // per_job / per_role / per_item
	Roles          []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Credentials *struct {
			LoginEmail    string `json:"login_email"`
			LoginPassword string `json:"login_password"`
			Notes         string `json:"notes"`
		} `json:"credentials"`
		Items []struct {
			Title            string        `json:"title"`
			Description      string        `json:"description"`
			ServiceType      string        `json:"service_type"`
			ProposedPrice    int64         `json:"proposed_price"`
			EstimatedMinutes int           `json:"estimated_minutes"`
			Pages            []models.Page `json:"pages"`
		} `json:"items"`
	} `json:"roles"`
}

func (h *JobHandler) CreateStructured(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}

	var req CreateStructuredJobReq
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid body",
		})
	}

	errs := FieldErrors{}
	if strings.TrimSpace(req.Title) == "" {
		errs.Add("title", "title is required")
	}
	at := models.AssignmentType(req.AssignmentType)
	if at != models.AssignPerJob && at != models.AssignPerRole && at != models.AssignPerItem {
		errs.Add("assignment_type", "must be per_job, per_role or per_item")
	}
	if len(req.Roles) == 0 {
		errs.Add("roles", "at least one role is required")
	}
	for _, role := range req.Roles {
		if strings.TrimSpace(role.Name) == "" {
			errs.Add("roles", "role name is required")
		}
		if len(role.Items) == 0 {
			errs.Add("roles", "every role needs at least one item")
		}
		for _, item := range role.Items {
			if strings.TrimSpace(item.Title) == "" {
				errs.Add("roles", "every item needs a title")
			}
			if !models.ValidServiceType(models.ServiceType(item.ServiceType)) {
				errs.Add("roles", "invalid service type: "+item.ServiceType)
			}
			if item.ProposedPrice <= 0 {
				errs.Add("roles", "every item needs a positive proposed price")
			}
		}
	}
	projectID, perr := uuid.Parse(req.ProjectID)
	if perr != nil {
		errs.Add("project_id", "must be a valid uuid")
	}
	if len(errs) > 0 {
		return validationFail(c, errs)
	}

	if err := h.checkProjectOwner(projectID, uid); err != nil {
		return respondErr(c, err)
	}

	var job models.Job
	err = h.DB.Transaction(func(tx *gorm.DB) error {
		job = models.Job{
			ProjectID:      projectID,
			BuilderID:      uid,
			Kind:           models.JobKindStructured,
			Title:          strings.TrimSpace(req.Title),
			Description:    req.Description,
			AssignmentType: at,
			Status:         models.JobStatusOpen,
		}
		if err := tx.Create(&job).Error; err != nil {
			return err
		}

		for ri, roleReq := range req.Roles {
			role := models.JobRole{
				JobID:       job.ID,
				Position:    ri,
				Name:        strings.TrimSpace(roleReq.Name),
				Description: roleReq.Description,
			}
			if roleReq.Credentials != nil {
				role.LoginEmail = roleReq.Credentials.LoginEmail
				role.LoginPassword = roleReq.Credentials.LoginPassword
				role.LoginNotes = roleReq.Credentials.Notes
			}
			if err := tx.Create(&role).Error; err != nil {
				return err
			}

			for ii, itemReq := range roleReq.Items {
				var pages datatypes.JSON
				if len(itemReq.Pages) > 0 {
					raw, err := json.Marshal(itemReq.Pages)
					if err != nil {
						return err
					}
					pages = datatypes.JSON(raw)
				}
				item := models.Item{
					RoleID:           role.ID,
					Position:         ii,
					Title:            strings.TrimSpace(itemReq.Title),
					Description:      itemReq.Description,
					ServiceType:      models.ServiceType(itemReq.ServiceType),
					ProposedPrice:    itemReq.ProposedPrice,
					EstimatedMinutes: itemReq.EstimatedMinutes,
					Pages:            pages,
				}
				if err := tx.Create(&item).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return respondErr(c, err)
	}

	return h.respondJobDetail(c, job.ID, uid, fiber.StatusCreated)
}

func (h *JobHandler) checkProjectOwner(projectID, uid uuid.UUID) error {
	var project models.Project
	if err := h.DB.First(&project, "id = ?", projectID).Error; err != nil {
		return apperr.NotFound("project")
	}
	if project.BuilderID != uid {
		return apperr.New(apperr.KindAuthorization, "not your project")
	}
	if project.Status != models.ProjectStatusActive {
		return apperr.New(apperr.KindStateConflict, "project is archived")
	}
	return nil
}

// List shows the open marketplace. Builders can pass mine=true for their
// own jobs regardless of status.
func (h *JobHandler) List(c *fiber.Ctx) error {
	q := h.DB.Model(&models.Job{}).Preload("Project")

	if c.Query("mine") == "true" {
		uid, err := authUserID(c)
		if err != nil {
			return err
		}
		q = q.Where("builder_id = ?", uid)
	} else {
		q = q.Where("status IN ?", []models.JobStatus{models.JobStatusOpen, models.JobStatusInProgress})
	}
	if kind := c.Query("kind"); kind != "" {
		q = q.Where("kind = ?", kind)
	}

	var jobs []models.Job
	if err := q.Order("created_at DESC").Limit(100).Find(&jobs).Error; err != nil {
		return respondErr(c, err)
	}
	return ok(c, jobs)
}

// RoleView is the serialized role with credentials included only for the
// tester currently assigned to it through a paid bid, and for the builder.
type RoleView struct {
	models.JobRole
	HasCredentials bool          `json:"has_credentials"`
	Credentials    *fiber.Map    `json:"credentials,omitempty"`
	Items          []models.Item `json:"items"`
}

func (h *JobHandler) Get(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}
	return h.respondJobDetail(c, id, uid, fiber.StatusOK)
}

func (h *JobHandler) respondJobDetail(c *fiber.Ctx, jobID, uid uuid.UUID, status int) error {
	var job models.Job
	if err := h.DB.Preload("Project").
		Preload("Roles", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Roles.Items", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&job, "id = ?", jobID).Error; err != nil {
		return respondErr(c, apperr.NotFound("job"))
	}

	isBuilder := job.BuilderID == uid

	// roles the caller is assigned to via a paid bid
	assigned, err := h.assignedRoleIDs(&job, uid)
	if err != nil {
		return respondErr(c, err)
	}

	roles := make([]RoleView, 0, len(job.Roles))
	for _, role := range job.Roles {
		view := RoleView{
			JobRole:        role,
			HasCredentials: role.HasCredentials(),
			Items:          role.Items,
		}
		if role.HasCredentials() && (isBuilder || assigned[role.ID]) {
			view.Credentials = &fiber.Map{
				"login_email":    role.LoginEmail,
				"login_password": role.LoginPassword,
				"notes":          role.LoginNotes,
			}
		}
		roles = append(roles, view)
	}

	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"job":   job,
			"roles": roles,
		},
	})
}

// assignedRoleIDs resolves which roles uid holds a paid bid on, expanding
// per_job bids to every role and per_item bids to the item's role.
func (h *JobHandler) assignedRoleIDs(job *models.Job, uid uuid.UUID) (map[uuid.UUID]bool, error) {
	assigned := map[uuid.UUID]bool{}
	if job.Kind != models.JobKindStructured {
		return assigned, nil
	}

	var paid []models.Bid
	if err := h.DB.Where("job_id = ? AND tester_id = ? AND status = ? AND payment_status = ?",
		job.ID, uid, models.BidStatusAccepted, models.BidPaid).
		Find(&paid).Error; err != nil {
		return nil, err
	}

	itemRole := map[uuid.UUID]uuid.UUID{}
	for _, role := range job.Roles {
		for _, item := range role.Items {
			itemRole[item.ID] = role.ID
		}
	}

	for _, bid := range paid {
		switch {
		case bid.ScopeItemID != nil:
			if rid, okk := itemRole[*bid.ScopeItemID]; okk {
				assigned[rid] = true
			}
		case bid.ScopeRoleID != nil:
			assigned[*bid.ScopeRoleID] = true
		default:
			for _, role := range job.Roles {
				assigned[role.ID] = true
			}
		}
	}
	return assigned, nil
}

// Claim takes a slot on a classic job and returns the draft submission.
func (h *JobHandler) Claim(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	sub, err := h.Submissions.ClaimJob(uid, id)
	if err != nil {
		return respondErr(c, err)
	}
	return created(c, sub)
}

// PublishPayment opens the publish charge for a classic job.
func (h *JobHandler) PublishPayment(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	charge, err := h.Payments.CreateJobPublishCharge(uid, id)
	if err != nil {
		return respondErr(c, err)
	}
	return ok(c, charge)
}

// Pricing previews the scope totals and platform fee for a structured job,
// so the frontend can show the builder what accepting at each granularity
// costs. Amounts are cents; totals also carry a dollar rendering.
func (h *JobHandler) Pricing(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	var job models.Job
	if err := h.DB.
		Preload("Roles", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Roles.Items", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&job, "id = ?", id).Error; err != nil {
		return respondErr(c, apperr.NotFound("job"))
	}
	if job.Kind != models.JobKindStructured {
		return respondErr(c, apperr.New(apperr.KindValidation, "pricing preview only applies to structured jobs"))
	}

	var jobTotal int64
	rolePricing := make([]fiber.Map, 0, len(job.Roles))
	for _, role := range job.Roles {
		var roleTotal int64
		for _, item := range role.Items {
			roleTotal += item.ProposedPrice
		}
		jobTotal += roleTotal
		rolePricing = append(rolePricing, fiber.Map{
			"role_id":      role.ID,
			"name":         role.Name,
			"base":         roleTotal,
			"platform_fee": pricing.Fee(roleTotal),
			"total":        pricing.Total(roleTotal),
		})
	}

	return ok(c, fiber.Map{
		"assignment_type": job.AssignmentType,
		"job": fiber.Map{
			"base":          jobTotal,
			"platform_fee":  pricing.Fee(jobTotal),
			"total":         pricing.Total(jobTotal),
			"total_dollars": pricing.ToDollars(pricing.Total(jobTotal)),
		},
		"roles": rolePricing,
	})
}
