package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerTransactionType classifies ledger entries.
type LedgerTransactionType string

const (
	LedgerTypePayout LedgerTransactionType = "payout"
)

// LedgerTransaction is the permanent financial record written after a
// settlement is confirmed on-chain. The unique payout id makes repeated
// reconciliation a no-op.
type LedgerTransaction struct {
	ID          uuid.UUID             `json:"id" gorm:"primaryKey;type:uuid"`
	PayoutID    uuid.UUID             `json:"payout_id" gorm:"type:uuid;uniqueIndex"`
	MerchantID  uuid.UUID             `json:"merchant_id" gorm:"type:uuid;index"`
	Type        LedgerTransactionType `json:"type"`
	Amount      decimal.Decimal       `json:"amount" gorm:"type:numeric(38,18)"`
	Currency    string                `json:"currency"`
	Chain       string                `json:"chain"`
	FromAddress string                `json:"from_address"`
	ToAddress   string                `json:"to_address"`
	TxRef       string                `json:"tx_ref"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Balance is the per-merchant, per-currency running total. It is mutated
// only through signed deltas applied by the ledger reconciler.
type Balance struct {
	ID         uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	MerchantID uuid.UUID       `json:"merchant_id" gorm:"type:uuid;uniqueIndex:idx_merchant_currency"`
	Currency   string          `json:"currency" gorm:"uniqueIndex:idx_merchant_currency"`
	Amount     decimal.Decimal `json:"amount" gorm:"type:numeric(38,18)"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
