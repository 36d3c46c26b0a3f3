package submissions

import (
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/peertesthub/backend/internal/apperr"
	"github.com/peertesthub/backend/internal/models"
	"github.com/peertesthub/backend/internal/services/stripe"
	"github.com/peertesthub/backend/internal/services/wallet"
)

type fakePayouts struct {
	transfers []int64
	fail      bool
}

func (f *fakePayouts) CreateTransfer(amountCents int64, destinationAccount, description string) (*stripe.Transfer, error) {
	if f.fail {
		return nil, errors.New("transfer failed")
	}
	f.transfers = append(f.transfers, amountCents)
	return &stripe.Transfer{ID: "tr_test", Amount: amountCents}, nil
}

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
		&models.WalletTransaction{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func newService(db *gorm.DB, gw PayoutGateway) *SubmissionService {
	return NewSubmissionService(db, wallet.NewWalletService(db), gw)
}

type world struct {
	builder models.User
	tester  models.User
	job     models.Job
	role    models.JobRole
	item1   models.Item
	item2   models.Item
	bid     models.Bid
}

func seedPaidBid(t *testing.T, db *gorm.DB) *world {
	t.Helper()
	w := &world{}

	w.builder = models.User{Email: "b@test.dev", FirstName: "B", LastName: "L", Password: "x", Role: models.RoleBuilder, IsActive: true, StripeAccountID: "acct_test"}
	w.tester = models.User{Email: "t@test.dev", FirstName: "T", LastName: "L", Password: "x", Role: models.RoleTester, IsActive: true, StripeAccountID: "acct_tester"}
	for _, u := range []*models.User{&w.builder, &w.tester} {
		if err := db.Create(u).Error; err != nil {
			t.Fatalf("seed user: %v", err)
		}
	}

	project := models.Project{BuilderID: w.builder.ID, Name: "Shop", HostedURL: "https://shop.test"}
	if err := db.Create(&project).Error; err != nil {
		t.Fatalf("seed project: %v", err)
	}

	w.job = models.Job{
		ProjectID:      project.ID,
		BuilderID:      w.builder.ID,
		Kind:           models.JobKindStructured,
		Title:          "Test the shop",
		AssignmentType: models.AssignPerItem,
		Status:         models.JobStatusInProgress,
	}
	if err := db.Create(&w.job).Error; err != nil {
		t.Fatalf("seed job: %v", err)
	}

	w.role = models.JobRole{JobID: w.job.ID, Name: "Shopper"}
	if err := db.Create(&w.role).Error; err != nil {
		t.Fatalf("seed role: %v", err)
	}
	w.item1 = models.Item{RoleID: w.role.ID, Position: 0, Title: "Checkout", ServiceType: models.ServiceTest, ProposedPrice: 2500}
	w.item2 = models.Item{RoleID: w.role.ID, Position: 1, Title: "Recording", ServiceType: models.ServiceRecord, ProposedPrice: 4000}
	for _, it := range []*models.Item{&w.item1, &w.item2} {
		if err := db.Create(it).Error; err != nil {
			t.Fatalf("seed item: %v", err)
		}
	}

	now := time.Now()
	w.bid = models.Bid{
		JobID:         w.job.ID,
		TesterID:      w.tester.ID,
		ScopeItemID:   &w.item1.ID,
		BidPrice:      2000,
		Status:        models.BidStatusAccepted,
		PaymentStatus: models.BidPaid,
		AcceptedAt:    &now,
		PaidAt:        &now,
	}
	if err := db.Create(&w.bid).Error; err != nil {
		t.Fatalf("seed bid: %v", err)
	}
	return w
}

func materialize(t *testing.T, db *gorm.DB, svc *SubmissionService, bid *models.Bid) []models.Submission {
	t.Helper()
	var subs []models.Submission
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		subs, err = svc.MaterializeForBid(tx, bid)
		return err
	})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	return subs
}

func TestMaterializeForBid_PerItemUsesBidPrice(t *testing.T) {
	db := openTestDB(t)
	w := seedPaidBid(t, db)
	svc := newService(db, nil)

	subs := materialize(t, db, svc, &w.bid)
	if len(subs) != 1 {
		t.Fatalf("got %d submissions, want 1", len(subs))
	}
	// the negotiated bid price becomes the item's payout
	if subs[0].PayoutAmount != 2000 {
		t.Errorf("payout = %d, want 2000", subs[0].PayoutAmount)
	}
	if subs[0].ServiceType != models.ServiceTest {
		t.Errorf("service type = %s, want test", subs[0].ServiceType)
	}
}

func TestMaterializeForBid_RoleScopeKeepsItemPrices(t *testing.T) {
	db := openTestDB(t)
	w := seedPaidBid(t, db)
	svc := newService(db, nil)

	roleBid := models.Bid{
		JobID:         w.job.ID,
		TesterID:      w.tester.ID,
		ScopeRoleID:   &w.role.ID,
		BidPrice:      6000,
		Status:        models.BidStatusAccepted,
		PaymentStatus: models.BidPaid,
	}
	if err := db.Create(&roleBid).Error; err != nil {
		t.Fatalf("seed role bid: %v", err)
	}

	subs := materialize(t, db, svc, &roleBid)
	if len(subs) != 2 {
		t.Fatalf("got %d submissions, want 2", len(subs))
	}
	payouts := map[int64]bool{}
	for _, sub := range subs {
		payouts[sub.PayoutAmount] = true
	}
	if !payouts[2500] || !payouts[4000] {
		t.Errorf("payouts = %v, want item prices 2500 and 4000", payouts)
	}
}

func TestMaterializeForBid_Idempotent(t *testing.T) {
	db := openTestDB(t)
	w := seedPaidBid(t, db)
	svc := newService(db, nil)

	materialize(t, db, svc, &w.bid)
	materialize(t, db, svc, &w.bid)

	var n int64
	db.Model(&models.Submission{}).Where("tester_id = ?", w.tester.ID).Count(&n)
	if n != 1 {
		t.Errorf("got %d submissions after double materialization, want 1", n)
	}
}

func TestSaveDraft_OnlyDraftsAndOnlyOwner(t *testing.T) {
	db := openTestDB(t)
	w := seedPaidBid(t, db)
	svc := newService(db, nil)

	sub := materialize(t, db, svc, &w.bid)[0]

	feedback := "Checkout works but the coupon field is broken"
	score := 4
	if _, err := svc.SaveDraft(w.tester.ID, sub.ID, DraftUpdate{
		OverallFeedback: &feedback,
		UsabilityScore:  &score,
	}); err != nil {
		t.Fatalf("save draft: %v", err)
	}

	// not the owner
	_, err := svc.SaveDraft(w.builder.ID, sub.ID, DraftUpdate{OverallFeedback: &feedback})
	if !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	// after submit, edits are conflicts
	if _, err := svc.Submit(w.tester.ID, sub.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = svc.SaveDraft(w.tester.ID, sub.ID, DraftUpdate{OverallFeedback: &feedback})
	if !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestSaveDraft_ValidatesScoreAndSeverity(t *testing.T) {
	db := openTestDB(t)
	w := seedPaidBid(t, db)
	svc := newService(db, nil)

	sub := materialize(t, db, svc, &w.bid)[0]

	bad := 6
	_, err := svc.SaveDraft(w.tester.ID, sub.ID, DraftUpdate{UsabilityScore: &bad})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for score 6, got %v", err)
	}

	_, err = svc.SaveDraft(w.tester.ID, sub.ID, DraftUpdate{
		BugReports: []models.BugReport{{Title: "Crash", Severity: "catastrophic"}},
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for bad severity, got %v", err)
	}
}

func TestSubmit_RequiredFieldsPerServiceType(t *testing.T) {
	db := openTestDB(t)
	w := seedPaidBid(t, db)
	svc := newService(db, nil)

	sub := materialize(t, db, svc, &w.bid)[0] // service type: test

	_, err := svc.Submit(w.tester.ID, sub.ID)
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindValidation {
		t.Fatalf("expected validation error on empty submission, got %v", err)
	}
	if _, okk := ae.Fields["overall_feedback"]; !okk {
		t.Errorf("missing fields should name overall_feedback, got %v", ae.Fields)
	}
	if _, okk := ae.Fields["usability_score"]; !okk {
		t.Errorf("missing fields should name usability_score, got %v", ae.Fields)
	}

	feedback := "solid"
	score := 5
	if _, err := svc.SaveDraft(w.tester.ID, sub.ID, DraftUpdate{
		OverallFeedback: &feedback,
		UsabilityScore:  &score,
	}); err != nil {
		t.Fatalf("save draft: %v", err)
	}

	done, err := svc.Submit(w.tester.ID, sub.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if done.Status != models.SubmissionSubmitted {
		t.Errorf("status = %s, want submitted", done.Status)
	}
	if done.SubmittedAt == nil {
		t.Errorf("submitted_at not set")
	}

	// second submit is a conflict, not a silent no-op
	_, err = svc.Submit(w.tester.ID, sub.ID)
	if !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestSubmit_RecordNeedsVideo(t *testing.T) {
	db := openTestDB(t)
	w := seedPaidBid(t, db)
	svc := newService(db, nil)

	recordBid := models.Bid{
		JobID:         w.job.ID,
		TesterID:      w.tester.ID,
		ScopeItemID:   &w.item2.ID,
		BidPrice:      4000,
		Status:        models.BidStatusAccepted,
		PaymentStatus: models.BidPaid,
	}
	if err := db.Create(&recordBid).Error; err != nil {
		t.Fatalf("seed record bid: %v", err)
	}
	sub := materialize(t, db, svc, &recordBid)[0]

	_, err := svc.Submit(w.tester.ID, sub.ID)
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, okk := ae.Fields["video_url"]; !okk {
		t.Errorf("missing fields should name video_url, got %v", ae.Fields)
	}

	if _, err := svc.AttachVideo(w.tester.ID, sub.ID, "/uploads/videos/x.mp4"); err != nil {
		t.Fatalf("attach video: %v", err)
	}
	if _, err := svc.SaveVideoTags(w.tester.ID, sub.ID, []models.VideoTag{
		{StartSeconds: 1, EndSeconds: 8, TagType: "bug", Note: "cart empties itself"},
	}); err != nil {
		t.Fatalf("save tags: %v", err)
	}
	if _, err := svc.Submit(w.tester.ID, sub.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestSaveVideoTags_RejectsInvalidRanges(t *testing.T) {
	db := openTestDB(t)
	w := seedPaidBid(t, db)
	svc := newService(db, nil)

	recordBid := models.Bid{
		JobID:         w.job.ID,
		TesterID:      w.tester.ID,
		ScopeItemID:   &w.item2.ID,
		BidPrice:      4000,
		Status:        models.BidStatusAccepted,
		PaymentStatus: models.BidPaid,
	}
	if err := db.Create(&recordBid).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	sub := materialize(t, db, svc, &recordBid)[0]

	_, err := svc.SaveVideoTags(w.tester.ID, sub.ID, []models.VideoTag{
		{StartSeconds: 10, EndSeconds: 4},
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	// tags make no sense on a plain test submission
	testSub := materialize(t, db, svc, &w.bid)[0]
	_, err = svc.SaveVideoTags(w.tester.ID, testSub.ID, nil)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for test-type submission, got %v", err)
	}
}

func submitReady(t *testing.T, db *gorm.DB, svc *SubmissionService, w *world) models.Submission {
	t.Helper()
	sub := materialize(t, db, svc, &w.bid)[0]
	feedback := "works"
	score := 4
	if _, err := svc.SaveDraft(w.tester.ID, sub.ID, DraftUpdate{OverallFeedback: &feedback, UsabilityScore: &score}); err != nil {
		t.Fatalf("draft: %v", err)
	}
	done, err := svc.Submit(w.tester.ID, sub.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return *done
}

func TestApprove_CreditsWalletAndTransfers(t *testing.T) {
	db := openTestDB(t)
	w := seedPaidBid(t, db)
	gw := &fakePayouts{}
	svc := newService(db, gw)

	sub := submitReady(t, db, svc, w)

	rating := 5
	approved, err := svc.Approve(w.builder.ID, sub.ID, "great catch", &rating)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != models.SubmissionApproved {
		t.Errorf("status = %s, want approved", approved.Status)
	}
	if approved.ReviewedAt == nil {
		t.Errorf("reviewed_at not set")
	}

	var tester models.User
	db.First(&tester, "id = ?", w.tester.ID)
	if tester.Balance != 2000 {
		t.Errorf("balance = %d, want 2000", tester.Balance)
	}

	var ledger []models.WalletTransaction
	db.Where("user_id = ?", w.tester.ID).Find(&ledger)
	if len(ledger) != 1 || ledger[0].Type != models.WalletTrxCredit || ledger[0].Amount != 2000 {
		t.Fatalf("ledger = %+v, want one credit of 2000", ledger)
	}

	if len(gw.transfers) != 1 || gw.transfers[0] != 2000 {
		t.Errorf("transfers = %v, want one transfer of 2000", gw.transfers)
	}

	// approving twice is a conflict
	_, err = svc.Approve(w.builder.ID, sub.ID, "again", nil)
	if !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestApprove_TransferFailureKeepsApproval(t *testing.T) {
	db := openTestDB(t)
	w := seedPaidBid(t, db)
	svc := newService(db, &fakePayouts{fail: true})

	sub := submitReady(t, db, svc, w)

	approved, err := svc.Approve(w.builder.ID, sub.ID, "", nil)
	if !apperr.Is(err, apperr.KindPayment) {
		t.Fatalf("expected payment error, got %v", err)
	}
	if approved == nil || approved.Status != models.SubmissionApproved {
		t.Fatalf("approval must stand despite the transfer failure")
	}

	// the wallet credit committed, so the amount owed is still recorded
	var tester models.User
	db.First(&tester, "id = ?", w.tester.ID)
	if tester.Balance != 2000 {
		t.Errorf("balance = %d, want 2000", tester.Balance)
	}
}

func TestReject_RequiresFeedbackAndIsTerminal(t *testing.T) {
	db := openTestDB(t)
	w := seedPaidBid(t, db)
	svc := newService(db, nil)

	sub := submitReady(t, db, svc, w)

	_, err := svc.Reject(w.builder.ID, sub.ID, "")
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for empty feedback, got %v", err)
	}

	rejected, err := svc.Reject(w.builder.ID, sub.ID, "video does not show the checkout")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != models.SubmissionRejected {
		t.Errorf("status = %s, want rejected", rejected.Status)
	}

	// terminal: no edits, no resubmit
	feedback := "fixed"
	_, err = svc.SaveDraft(w.tester.ID, sub.ID, DraftUpdate{OverallFeedback: &feedback})
	if !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("expected state conflict on edit, got %v", err)
	}
	_, err = svc.Submit(w.tester.ID, sub.ID)
	if !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("expected state conflict on resubmit, got %v", err)
	}

	// no payout was released
	var tester models.User
	db.First(&tester, "id = ?", w.tester.ID)
	if tester.Balance != 0 {
		t.Errorf("balance = %d, want 0", tester.Balance)
	}
}

func TestReview_OnlyBuilder(t *testing.T) {
	db := openTestDB(t)
	w := seedPaidBid(t, db)
	svc := newService(db, nil)

	sub := submitReady(t, db, svc, w)

	_, err := svc.Approve(w.tester.ID, sub.ID, "", nil)
	if !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestClaimJob_CapacityAndDuplicates(t *testing.T) {
	db := openTestDB(t)
	w := seedPaidBid(t, db)
	svc := newService(db, nil)

	second := models.User{Email: "t2@test.dev", FirstName: "T", LastName: "Two", Password: "x", Role: models.RoleTester, IsActive: true}
	third := models.User{Email: "t3@test.dev", FirstName: "T", LastName: "Three", Password: "x", Role: models.RoleTester, IsActive: true}
	for _, u := range []*models.User{&second, &third} {
		if err := db.Create(u).Error; err != nil {
			t.Fatalf("seed tester: %v", err)
		}
	}

	classic := models.Job{
		ProjectID:    w.job.ProjectID,
		BuilderID:    w.builder.ID,
		Kind:         models.JobKindClassic,
		Title:        "Smoke test",
		PayoutAmount: 1500,
		MaxTesters:   2,
		Status:       models.JobStatusOpen,
	}
	if err := db.Create(&classic).Error; err != nil {
		t.Fatalf("seed classic: %v", err)
	}

	sub, err := svc.ClaimJob(w.tester.ID, classic.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if sub.Status != models.SubmissionDraft || sub.PayoutAmount != 1500 {
		t.Errorf("claim draft = %+v, want draft with payout 1500", sub)
	}

	// same tester cannot claim twice
	_, err = svc.ClaimJob(w.tester.ID, classic.ID)
	if !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}

	if _, err := svc.ClaimJob(second.ID, classic.ID); err != nil {
		t.Fatalf("second claim: %v", err)
	}

	// capacity reached
	_, err = svc.ClaimJob(third.ID, classic.ID)
	if !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("expected capacity conflict, got %v", err)
	}
}

func TestAutoApproveStale(t *testing.T) {
	db := openTestDB(t)
	w := seedPaidBid(t, db)
	svc := newService(db, &fakePayouts{})

	sub := submitReady(t, db, svc, w)

	// age the submission past the window
	old := time.Now().Add(-200 * time.Hour)
	db.Model(&models.Submission{}).Where("id = ?", sub.ID).Update("submitted_at", old)

	n, err := svc.AutoApproveStale(168 * time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("approved %d, want 1", n)
	}

	var after models.Submission
	db.First(&after, "id = ?", sub.ID)
	if after.Status != models.SubmissionApproved {
		t.Errorf("status = %s, want approved", after.Status)
	}

	// a fresh submission stays put
	n, err = svc.AutoApproveStale(168 * time.Hour)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep approved %d, want 0", n)
	}
}
