package handlers

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/peertesthub/backend/internal/models"
	"github.com/peertesthub/backend/internal/services/payments"
	"github.com/peertesthub/backend/internal/services/stripe"
	"github.com/peertesthub/backend/internal/services/submissions"
	"github.com/peertesthub/backend/internal/services/wallet"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&models.User{},
		&models.Project{},
		&models.Job{},
		&models.JobRole{},
		&models.Item{},
		&models.Bid{},
		&models.Submission{},
		&models.Transaction{},
		&models.WalletTransaction{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func newWebhookApp(t *testing.T, db *gorm.DB) (*fiber.App, *stripe.StripeService) {
	t.Helper()
	stripeSvc := stripe.NewStripeService("sk_test", "whsec_test")
	subsSvc := submissions.NewSubmissionService(db, wallet.NewWalletService(db), nil)
	paySvc := payments.NewPaymentService(db, stripeSvc, subsSvc)
	payH := NewPaymentHandler(db, stripeSvc, paySvc, "http://localhost:8080")

	app := fiber.New()
	app.Post("/api/payments/webhook", payH.Webhook)
	return app, stripeSvc
}

func seedPaidScenario(t *testing.T, db *gorm.DB) *models.Bid {
	t.Helper()

	builder := models.User{Email: "b@test.dev", FirstName: "B", LastName: "L", Password: "x", Role: models.RoleBuilder, IsActive: true}
	tester := models.User{Email: "t@test.dev", FirstName: "T", LastName: "L", Password: "x", Role: models.RoleTester, IsActive: true}
	for _, u := range []*models.User{&builder, &tester} {
		if err := db.Create(u).Error; err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}
	project := models.Project{BuilderID: builder.ID, Name: "Shop", HostedURL: "https://shop.test"}
	if err := db.Create(&project).Error; err != nil {
		t.Fatalf("seed project: %v", err)
	}
	job := models.Job{
		ProjectID:      project.ID,
		BuilderID:      builder.ID,
		Kind:           models.JobKindStructured,
		Title:          "Test the shop",
		AssignmentType: models.AssignPerItem,
		Status:         models.JobStatusOpen,
	}
	if err := db.Create(&job).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}
	role := models.JobRole{JobID: job.ID, Name: "Shopper"}
	if err := db.Create(&role).Error; err != nil {
		t.Fatalf("seed role: %v", err)
	}
	item := models.Item{RoleID: role.ID, Title: "Checkout", ServiceType: models.ServiceTest, ProposedPrice: 2500}
	if err := db.Create(&item).Error; err != nil {
		t.Fatalf("seed item: %v", err)
	}

	now := time.Now()
	bid := models.Bid{
		JobID:       job.ID,
		TesterID:    tester.ID,
		ScopeItemID: &item.ID,
		BidPrice:    2000,
		Status:      models.BidStatusAccepted,
		AcceptedAt:  &now,
	}
	if err := db.Create(&bid).Error; err != nil {
		t.Fatalf("seed bid: %v", err)
	}
	return &bid
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	db := openTestDB(t)
	app, _ := newWebhookApp(t, db)

	body := `{"type":"payment_intent.succeeded"}`
	req := httptest.NewRequest("POST", "/api/payments/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", "t=123,v1=deadbeef")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebhook_ConfirmsBidOnSucceededIntent(t *testing.T) {
	db := openTestDB(t)
	app, stripeSvc := newWebhookApp(t, db)
	bid := seedPaidScenario(t, db)

	payload := map[string]interface{}{
		"type": "payment_intent.succeeded",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id": "pi_hook",
				"metadata": map[string]string{
					"kind":   "bid",
					"bid_id": bid.ID.String(),
				},
			},
		},
	}
	raw, _ := json.Marshal(payload)
	body := string(raw)

	req := httptest.NewRequest("POST", "/api/payments/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", stripeSvc.SignTestHeader(body, time.Now()))

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s", resp.StatusCode, b)
	}

	var after models.Bid
	db.First(&after, "id = ?", bid.ID)
	if after.PaymentStatus != models.BidPaid {
		t.Errorf("payment_status = %s, want paid", after.PaymentStatus)
	}

	var subs int64
	db.Model(&models.Submission{}).Where("bid_id = ?", bid.ID).Count(&subs)
	if subs != 1 {
		t.Errorf("got %d submissions, want 1", subs)
	}

	// duplicate delivery is acknowledged and changes nothing
	req = httptest.NewRequest("POST", "/api/payments/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", stripeSvc.SignTestHeader(body, time.Now()))
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("second status = %d, want 200", resp.StatusCode)
	}
	db.Model(&models.Submission{}).Where("bid_id = ?", bid.ID).Count(&subs)
	if subs != 1 {
		t.Errorf("duplicate delivery created submissions, got %d", subs)
	}
}

func TestWebhook_IgnoresUnknownEvents(t *testing.T) {
	db := openTestDB(t)
	app, stripeSvc := newWebhookApp(t, db)

	body := `{"type":"customer.created","data":{"object":{"id":"cus_1"}}}`
	req := httptest.NewRequest("POST", "/api/payments/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", stripeSvc.SignTestHeader(body, time.Now()))

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
