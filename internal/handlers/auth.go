package handlers

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/peertesthub/backend/internal/config"
	"github.com/peertesthub/backend/internal/models"
	"github.com/peertesthub/backend/internal/services/mailer"
	"github.com/peertesthub/backend/internal/utils"
)

type AuthHandler struct {
	DB     *gorm.DB
	RDB    *redis.Client
	Mailer *mailer.MailerService
	Cfg    config.Config
}

func NewAuthHandler(db *gorm.DB, rdb *redis.Client, m *mailer.MailerService, cfg config.Config) *AuthHandler {
	return &AuthHandler{DB: db, RDB: rdb, Mailer: m, Cfg: cfg}
}

type RegisterReq struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"` // builder / tester
}

type FieldErrors map[string][]string

func (e FieldErrors) Add(field, msg string) {
	e[field] = append(e[field], msg)
}

func validationFail(c *fiber.Ctx, errs FieldErrors) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"message": "Validation error",
		"errors":  errs,
	})
}

func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req RegisterReq
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid body",
		})
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	password := strings.TrimSpace(req.Password)
	firstName := strings.TrimSpace(req.FirstName)
	lastName := strings.TrimSpace(req.LastName)
	role := strings.ToLower(strings.TrimSpace(req.Role))

	errs := FieldErrors{}
	if email == "" {
		errs.Add("email", "email is required")
	} else if !strings.Contains(email, "@") {
		errs.Add("email", "invalid email format")
	}
	if password == "" {
		errs.Add("password", "password is required")
	} else if len(password) < 8 {
		errs.Add("password", "password must be at least 8 characters")
	}
	if firstName == "" {
		errs.Add("first_name", "first name is required")
	}
	if role != string(models.RoleBuilder) && role != string(models.RoleTester) {
		errs.Add("role", "role must be builder or tester")
	}
	if len(errs) > 0 {
		return validationFail(c, errs)
	}

	var existing models.User
	if err := h.DB.Where("email = ?", email).First(&existing).Error; err == nil {
		errs := FieldErrors{}
		errs.Add("email", "email is already registered")
		return validationFail(c, errs)
	} else if err != gorm.ErrRecordNotFound {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Internal server error",
		})
	}

	pw, err := utils.HashPassword(password)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to process password",
		})
	}

	u := models.User{
		Email:       email,
		Password:    pw,
		FirstName:   firstName,
		LastName:    lastName,
		Role:        models.Role(role),
		IsActive:    true,
		VerifyToken: utils.RandomToken(24),
	}
	if err := h.DB.Create(&u).Error; err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Failed to register",
		})
	}

	verifyURL := h.Cfg.FrontendBaseURL + "/verify-email?token=" + u.VerifyToken
	if err := h.Mailer.SendVerification(u.Email, verifyURL); err != nil {
		log.Printf("[Auth] verification mail to %s failed: %v", u.Email, err)
	}

	return h.issueTokens(c, &u, fiber.StatusCreated)
}

type LoginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req LoginReq
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "invalid body",
		})
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))

	var u models.User
	if err := h.DB.Where("email = ?", email).First(&u).Error; err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "Invalid email or password",
		})
	}
	if !u.IsActive || !utils.CheckPassword(u.Password, req.Password) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "Invalid email or password",
		})
	}

	return h.issueTokens(c, &u, fiber.StatusOK)
}

const refreshCookie = "pth_refresh"

func refreshKey(token string) string { return "refresh:" + token }

// issueTokens mints the short-lived access JWT plus an opaque refresh token
// stored in Redis and carried in an httpOnly cookie.
func (h *AuthHandler) issueTokens(c *fiber.Ctx, u *models.User, status int) error {
	access, err := utils.SignJWT(h.Cfg.JWTSecret, u.ID.String(), string(u.Role), h.Cfg.JWTExpiresMin)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create token",
		})
	}

	refresh := utils.RandomToken(32)
	ttl := time.Duration(h.Cfg.RefreshExpiresMin) * time.Minute
	if h.RDB != nil {
		if err := h.RDB.Set(context.Background(), refreshKey(refresh), u.ID.String(), ttl).Err(); err != nil {
			log.Printf("[Auth] refresh token store failed: %v", err)
		}
	}

	c.Cookie(&fiber.Cookie{
		Name:     refreshCookie,
		Value:    refresh,
		HTTPOnly: true,
		SameSite: "Lax",
		Path:     "/api/auth",
		MaxAge:   int(ttl.Seconds()),
	})

	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"token": access,
			"user":  publicUser(u),
		},
	})
}

// Refresh swaps a valid refresh cookie for a fresh access token. Tokens are
// single use: the old one is deleted before the new one is stored.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	if h.RDB == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"message": "Refresh is not available",
		})
	}

	token := c.Cookies(refreshCookie)
	if token == "" {
		return fiber.ErrUnauthorized
	}

	ctx := context.Background()
	uid, err := h.RDB.GetDel(ctx, refreshKey(token)).Result()
	if err == redis.Nil || uid == "" {
		return fiber.ErrUnauthorized
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Internal server error",
		})
	}

	var u models.User
	if err := h.DB.First(&u, "id = ?", uid).Error; err != nil || !u.IsActive {
		return fiber.ErrUnauthorized
	}

	return h.issueTokens(c, &u, fiber.StatusOK)
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	if token := c.Cookies(refreshCookie); token != "" && h.RDB != nil {
		_ = h.RDB.Del(context.Background(), refreshKey(token)).Err()
	}
	c.Cookie(&fiber.Cookie{
		Name:     refreshCookie,
		Value:    "",
		HTTPOnly: true,
		Path:     "/api/auth",
		MaxAge:   -1,
	})
	return c.JSON(fiber.Map{"success": true})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}
	var u models.User
	if err := h.DB.First(&u, "id = ?", uid).Error; err != nil {
		return fiber.ErrUnauthorized
	}
	return ok(c, publicUser(&u))
}

// VerifyEmail consumes the token mailed at registration.
func (h *AuthHandler) VerifyEmail(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Missing token",
		})
	}

	res := h.DB.Model(&models.User{}).
		Where("verify_token = ? AND is_verified = ?", token, false).
		Updates(map[string]interface{}{
			"is_verified":  true,
			"verify_token": "",
		})
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Internal server error",
		})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid or already used token",
		})
	}
	return c.JSON(fiber.Map{"success": true, "message": "Email verified"})
}

func publicUser(u *models.User) fiber.Map {
	return fiber.Map{
		"id":          u.ID,
		"email":       u.Email,
		"first_name":  u.FirstName,
		"last_name":   u.LastName,
		"role":        u.Role,
		"is_verified": u.IsVerified,
		"balance":     u.Balance,
		"created_at":  u.CreatedAt,
	}
}
