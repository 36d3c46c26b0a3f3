package wallet

import (
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/peertesthub/backend/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.WalletTransaction{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func seedTester(t *testing.T, db *gorm.DB, balance int64) models.User {
	t.Helper()
	u := models.User{Email: "t@test.dev", FirstName: "T", LastName: "L", Password: "x", Role: models.RoleTester, IsActive: true, Balance: balance}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func TestCreditTester(t *testing.T) {
	db := openTestDB(t)
	u := seedTester(t, db, 0)
	svc := NewWalletService(db)
	ref := uuid.New()

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.CreditTester(tx, u.ID, 2000, ref, "payout")
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}

	var after models.User
	db.First(&after, "id = ?", u.ID)
	if after.Balance != 2000 {
		t.Errorf("balance = %d, want 2000", after.Balance)
	}

	var ledger models.WalletTransaction
	if err := db.First(&ledger, "user_id = ?", u.ID).Error; err != nil {
		t.Fatalf("ledger entry missing: %v", err)
	}
	if ledger.Type != models.WalletTrxCredit || ledger.Amount != 2000 || *ledger.ReferenceID != ref {
		t.Errorf("ledger = %+v", ledger)
	}
}

func TestCreditTester_RejectsNonPositive(t *testing.T) {
	db := openTestDB(t)
	u := seedTester(t, db, 0)
	svc := NewWalletService(db)

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.CreditTester(tx, u.ID, 0, uuid.New(), "nothing")
	})
	if err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestDebitTester_InsufficientBalance(t *testing.T) {
	db := openTestDB(t)
	u := seedTester(t, db, 500)
	svc := NewWalletService(db)

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.DebitTester(tx, u.ID, 1000, uuid.New(), "withdrawal")
	})
	if err == nil {
		t.Fatalf("expected error for overdraft")
	}

	// balance and ledger untouched after rollback
	var after models.User
	db.First(&after, "id = ?", u.ID)
	if after.Balance != 500 {
		t.Errorf("balance = %d, want 500", after.Balance)
	}
	var n int64
	db.Model(&models.WalletTransaction{}).Count(&n)
	if n != 0 {
		t.Errorf("ledger entries = %d, want 0", n)
	}
}

func TestDebitTester(t *testing.T) {
	db := openTestDB(t)
	u := seedTester(t, db, 3000)
	svc := NewWalletService(db)

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.DebitTester(tx, u.ID, 1000, uuid.New(), "withdrawal")
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}

	var after models.User
	db.First(&after, "id = ?", u.ID)
	if after.Balance != 2000 {
		t.Errorf("balance = %d, want 2000", after.Balance)
	}
}
