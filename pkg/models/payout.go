package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PayoutStatus is the lifecycle state of a payout.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusApproved   PayoutStatus = "approved"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// DestinationKind distinguishes where a payout is settled. Only wallet
// destinations are settled on-chain by this engine.
type DestinationKind string

const (
	DestinationWallet    DestinationKind = "wallet"
	DestinationCustodial DestinationKind = "custodial"
)

var (
	// ErrInvalidAmount is returned when payout amounts violate
	// net = amount - fee with fee >= 0 and net > 0.
	ErrInvalidAmount = errors.New("invalid payout amounts")

	// ErrInvalidStateTransition is returned when a state-guarded update
	// finds the payout in a different state than required. Callers must
	// re-fetch and decide.
	ErrInvalidStateTransition = errors.New("invalid payout state transition")

	// ErrPayoutNotFound is returned when a payout id does not exist.
	ErrPayoutNotFound = errors.New("payout not found")
)

// Payout is a merchant withdrawal of settled balance to an external address.
// Rows are never deleted; failures are recorded on the row itself so
// operators can audit without external logs.
type Payout struct {
	ID              uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	MerchantID      uuid.UUID       `json:"merchant_id" gorm:"type:uuid;index"`
	Destination     string          `json:"destination"`
	DestinationKind DestinationKind `json:"destination_kind" gorm:"index;default:'wallet'"`
	Chain           string          `json:"chain" gorm:"index"`
	Currency        string          `json:"currency"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:numeric(38,18)"`
	FeeAmount       decimal.Decimal `json:"fee_amount" gorm:"type:numeric(38,18)"`
	NetAmount       decimal.Decimal `json:"net_amount" gorm:"type:numeric(38,18)"`
	Status          PayoutStatus    `json:"status" gorm:"index"`
	RetryCount      int             `json:"retry_count"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	TxRef           *string         `json:"tx_ref,omitempty"`
	ApprovedBy      *uuid.UUID      `json:"approved_by,omitempty" gorm:"type:uuid"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	ProcessingAt    *time.Time      `json:"processing_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	FailedAt        *time.Time      `json:"failed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewPayout constructs a pending payout and enforces the amount invariants.
func NewPayout(merchantID uuid.UUID, destination string, kind DestinationKind, chainName, currency string, amount, fee decimal.Decimal) (*Payout, error) {
	if amount.IsNegative() || fee.IsNegative() {
		return nil, ErrInvalidAmount
	}
	net := amount.Sub(fee)
	if !net.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return &Payout{
		ID:              uuid.New(),
		MerchantID:      merchantID,
		Destination:     destination,
		DestinationKind: kind,
		Chain:           chainName,
		Currency:        currency,
		Amount:          amount,
		FeeAmount:       fee,
		NetAmount:       net,
		Status:          PayoutStatusPending,
	}, nil
}

// AmountsValid re-checks the amount invariants on a loaded row. The engine
// refuses to settle rows that fail this, whatever their status claims.
func (p *Payout) AmountsValid() bool {
	if p.Amount.IsNegative() || p.FeeAmount.IsNegative() {
		return false
	}
	return p.NetAmount.Equal(p.Amount.Sub(p.FeeAmount)) && p.NetAmount.IsPositive()
}

// PayoutApproval is an append-only audit record of an approval decision.
type PayoutApproval struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	PayoutID   uuid.UUID `json:"payout_id" gorm:"type:uuid;index"`
	ApproverID uuid.UUID `json:"approver_id" gorm:"type:uuid;index"`
	Decision   string    `json:"decision"`
	Notes      string    `json:"notes"`
	CreatedAt  time.Time `json:"created_at"`
}

// ApproverRole grants an operator the right to approve payouts for a
// merchant. Populated by the out-of-scope back office.
type ApproverRole struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	ApproverID uuid.UUID `json:"approver_id" gorm:"type:uuid;index:idx_approver_merchant"`
	MerchantID uuid.UUID `json:"merchant_id" gorm:"type:uuid;index:idx_approver_merchant"`
	Role       string    `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}
