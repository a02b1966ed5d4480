package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount mirrors the credit_accounts table.
type CreditAccount struct {
	Owner     string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null;default:0;check:chk_credit_accounts_balance,balance >= 0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// Purchase mirrors the purchases table.
type Purchase struct {
	PurchaseID  string         `gorm:"primaryKey"`
	Owner       string         `gorm:"not null;uniqueIndex:uniq_purchases_item_key,priority:1"`
	ItemType    string         `gorm:"not null;uniqueIndex:uniq_purchases_item_key,priority:2"`
	ItemID      string         `gorm:"not null;uniqueIndex:uniq_purchases_item_key,priority:3"`
	Cost        int64          `gorm:"not null;check:chk_purchases_cost,cost >= 0"`
	Description string         `gorm:"not null;default:''"`
	Metadata    datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null"`
}

func (Purchase) TableName() string { return "purchases" }

func (purchase *Purchase) BeforeCreate(tx *gorm.DB) error {
	if purchase.PurchaseID == "" {
		purchase.PurchaseID = uuid.NewString()
	}
	return nil
}

// CreditTransaction mirrors the credit_transactions table.
type CreditTransaction struct {
	ID               uint64    `gorm:"primaryKey;autoIncrement"`
	Owner            string    `gorm:"not null;uniqueIndex:uniq_credit_transactions_reference,priority:1;index:idx_credit_transactions_owner_created,priority:1"`
	Reference        string    `gorm:"not null;uniqueIndex:uniq_credit_transactions_reference,priority:2"`
	Reason           string    `gorm:"not null"`
	Delta            int64     `gorm:"not null"`
	ResultingBalance int64     `gorm:"not null;check:chk_credit_transactions_resulting_balance,resulting_balance >= 0"`
	Description      string    `gorm:"not null;default:''"`
	CreatedAt        time.Time `gorm:"not null;index:idx_credit_transactions_owner_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// Models lists every table AutoMigrate should manage.
func Models() []any {
	return []any{&CreditAccount{}, &Purchase{}, &CreditTransaction{}}
}
