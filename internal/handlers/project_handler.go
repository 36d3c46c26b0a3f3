package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/peertesthub/backend/internal/apperr"
	"github.com/peertesthub/backend/internal/models"
)

type ProjectHandler struct {
	DB *gorm.DB
}

func NewProjectHandler(db *gorm.DB) *ProjectHandler {
	return &ProjectHandler{DB: db}
}

type ProjectReq struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	HostedURL   string `json:"hosted_url"`
	Category    string `json:"category"`
}

func (h *ProjectHandler) Create(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}

	var req ProjectReq
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid body",
		})
	}

	errs := FieldErrors{}
	if strings.TrimSpace(req.Name) == "" {
		errs.Add("name", "name is required")
	}
	if strings.TrimSpace(req.HostedURL) == "" {
		errs.Add("hosted_url", "hosted URL is required")
	}
	if len(errs) > 0 {
		return validationFail(c, errs)
	}

	p := models.Project{
		BuilderID:   uid,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		HostedURL:   strings.TrimSpace(req.HostedURL),
		Category:    strings.ToLower(strings.TrimSpace(req.Category)),
		Status:      models.ProjectStatusActive,
	}
	if err := h.DB.Create(&p).Error; err != nil {
		return respondErr(c, err)
	}
	return created(c, p)
}

// List returns the caller's own projects.
func (h *ProjectHandler) List(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}

	q := h.DB.Where("builder_id = ?", uid)
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}

	var projects []models.Project
	if err := q.Order("created_at DESC").Find(&projects).Error; err != nil {
		return respondErr(c, err)
	}
	return ok(c, projects)
}

func (h *ProjectHandler) Get(c *fiber.Ctx) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	var p models.Project
	if err := h.DB.First(&p, "id = ?", id).Error; err != nil {
		return respondErr(c, apperr.NotFound("project"))
	}
	return ok(c, p)
}

func (h *ProjectHandler) Update(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	var p models.Project
	if err := h.DB.First(&p, "id = ?", id).Error; err != nil {
		return respondErr(c, apperr.NotFound("project"))
	}
	if p.BuilderID != uid {
		return respondErr(c, apperr.New(apperr.KindAuthorization, "not your project"))
	}

	var req ProjectReq
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid body",
		})
	}

	changes := map[string]interface{}{}
	if strings.TrimSpace(req.Name) != "" {
		changes["name"] = strings.TrimSpace(req.Name)
	}
	if req.Description != "" {
		changes["description"] = req.Description
	}
	if strings.TrimSpace(req.HostedURL) != "" {
		changes["hosted_url"] = strings.TrimSpace(req.HostedURL)
	}
	if req.Category != "" {
		changes["category"] = strings.ToLower(strings.TrimSpace(req.Category))
	}
	if len(changes) > 0 {
		if err := h.DB.Model(&p).Updates(changes).Error; err != nil {
			return respondErr(c, err)
		}
	}
	return ok(c, p)
}

// Archive hides the project from new job creation without deleting history.
func (h *ProjectHandler) Archive(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return respondErr(c, err)
	}

	res := h.DB.Model(&models.Project{}).
		Where("id = ? AND builder_id = ? AND status = ?", id, uid, models.ProjectStatusActive).
		Update("status", models.ProjectStatusArchived)
	if res.Error != nil {
		return respondErr(c, res.Error)
	}
	if res.RowsAffected == 0 {
		return respondErr(c, apperr.New(apperr.KindStateConflict, "project not found or already archived"))
	}
	return c.SendStatus(fiber.StatusNoContent)
}
