package handlers

import (
	"encoding/json"
	"log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/peertesthub/backend/internal/models"
	"github.com/peertesthub/backend/internal/services/payments"
	"github.com/peertesthub/backend/internal/services/stripe"
)

type PaymentHandler struct {
	DB       *gorm.DB
	Stripe   *stripe.StripeService
	Payments *payments.PaymentService
	BaseURL  string
}

func NewPaymentHandler(db *gorm.DB, s *stripe.StripeService, p *payments.PaymentService, baseURL string) *PaymentHandler {
	return &PaymentHandler{DB: db, Stripe: s, Payments: p, BaseURL: baseURL}
}

type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// Webhook is the processor's server-to-server callback. The signature check
// runs on the raw body before any parsing. A processing failure returns
// non-2xx so the processor retries; the confirmations it retries into are
// idempotent.
func (h *PaymentHandler) Webhook(c *fiber.Ctx) error {
	body := c.Body()
	sig := c.Get("Stripe-Signature")

	if !h.Stripe.ValidateSignature(sig, string(body)) {
		log.Println("[Webhook] invalid signature")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid signature",
		})
	}

	var evt webhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid payload",
		})
	}

	switch evt.Type {
	case "payment_intent.succeeded":
		if err := h.Payments.HandlePaymentIntentSucceeded(evt.Data.Object.ID, evt.Data.Object.Metadata); err != nil {
			log.Printf("[Webhook] confirm %s failed: %v", evt.Data.Object.ID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": "Processing failed",
			})
		}
	case "payment_intent.payment_failed":
		if err := h.Payments.MarkIntentFailed(evt.Data.Object.ID); err != nil {
			log.Printf("[Webhook] mark failed %s: %v", evt.Data.Object.ID, err)
		}
	default:
		// unhandled event types are acknowledged so the processor stops resending
	}

	return c.JSON(fiber.Map{"received": true})
}

// ConnectOnboard creates (or reuses) the tester's Connect account and
// returns a fresh onboarding link.
func (h *PaymentHandler) ConnectOnboard(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}

	var u models.User
	if err := h.DB.First(&u, "id = ?", uid).Error; err != nil {
		return fiber.ErrUnauthorized
	}

	if u.StripeAccountID == "" {
		acct, err := h.Stripe.CreateExpressAccount(u.Email)
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"success": false,
				"message": "Failed to create payout account",
			})
		}
		if err := h.DB.Model(&u).Update("stripe_account_id", acct.ID).Error; err != nil {
			return respondErr(c, err)
		}
		u.StripeAccountID = acct.ID
	}

	link, err := h.Stripe.CreateAccountLink(
		u.StripeAccountID,
		h.BaseURL+"/api/payments/connect/onboard",
		h.BaseURL+"/api/payments/connect/status",
	)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create onboarding link",
		})
	}

	return ok(c, fiber.Map{"url": link.URL})
}

// ConnectStatus reports whether the tester can receive payouts yet.
func (h *PaymentHandler) ConnectStatus(c *fiber.Ctx) error {
	uid, err := authUserID(c)
	if err != nil {
		return err
	}

	var u models.User
	if err := h.DB.First(&u, "id = ?", uid).Error; err != nil {
		return fiber.ErrUnauthorized
	}

	if u.StripeAccountID == "" {
		return ok(c, fiber.Map{"connected": false, "payouts_enabled": false})
	}

	acct, err := h.Stripe.GetAccount(u.StripeAccountID)
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "Failed to fetch account status",
		})
	}

	return ok(c, fiber.Map{
		"connected":       true,
		"payouts_enabled": acct.PayoutsEnabled,
	})
}
