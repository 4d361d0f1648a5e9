// Package chain contains the per-blockchain adapters that sign and submit
// payout transfers, plus the registry the dispatcher routes through.
package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// TxStatus is the finality status of a submitted transaction reference.
type TxStatus int

const (
	StatusPending TxStatus = iota
	StatusConfirmed
	StatusReverted
	StatusNotFound
)

func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusReverted:
		return "reverted"
	case StatusNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// TxPreview describes the transfer an adapter would sign, without touching
// the network. Used for approval notifications.
type TxPreview struct {
	Chain       string `json:"chain"`
	From        string `json:"from"`
	To          string `json:"to"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	AmountUnits string `json:"amount_units"`
}

// Adapter signs and submits a single transfer on one chain. Submit returns
// a transaction reference as soon as the broadcast is accepted; it never
// waits for finality. Implementations serialize submissions for their
// signing key internally.
type Adapter interface {
	// Chain returns the chain identifier the adapter serves.
	Chain() string

	// SourceAddress returns the custodial signing wallet address.
	SourceAddress() string

	// ValidateAddress checks address format for this chain's scheme.
	ValidateAddress(address string) bool

	// Submit signs and broadcasts a transfer of amount (human-readable
	// decimal) of currency to destination, returning the transaction
	// reference. Failures follow the package error taxonomy.
	Submit(ctx context.Context, destination string, amount decimal.Decimal, currency string) (string, error)

	// TxStatus polls the finality status of a submitted reference.
	TxStatus(ctx context.Context, ref string) (TxStatus, error)

	// UnsignedPreview builds a description of the transfer without
	// signing or broadcasting.
	UnsignedPreview(destination string, amount decimal.Decimal, currency string) (*TxPreview, error)
}
