// Package ledger records the financial effect of confirmed settlements.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexapay/settler/internal/events"
	"github.com/nexapay/settler/pkg/models"
)

// Reconciler applies the balance debit and writes the immutable ledger row
// once a settlement is confirmed. The payout id is the idempotency key: a
// repeat call after a crash between ledger-write and status-update is a
// no-op.
type Reconciler struct {
	db      *gorm.DB
	emitter events.Emitter
	logger  *zap.Logger
}

func New(db *gorm.DB, emitter events.Emitter, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, emitter: emitter, logger: logger}
}

// Reconcile debits the merchant balance by the gross amount (the fee stays
// with the service) and inserts the ledger row for the net amount, in one
// transaction. Emits payout.completed after commit on first application.
func (r *Reconciler) Reconcile(ctx context.Context, payout *models.Payout, txRef, fromAddress string) error {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.LedgerTransaction{}).
			Where("payout_id = ?", payout.ID).
			Count(&count).Error; err != nil {
			return fmt.Errorf("ledger lookup: %w", err)
		}
		if count > 0 {
			// Already reconciled.
			return nil
		}

		bal := models.Balance{
			ID:         uuid.New(),
			MerchantID: payout.MerchantID,
			Currency:   payout.Currency,
			Amount:     decimal.Zero,
		}
		if err := tx.Where("merchant_id = ? AND currency = ?", payout.MerchantID, payout.Currency).
			FirstOrCreate(&bal).Error; err != nil {
			return fmt.Errorf("balance row: %w", err)
		}
		res := tx.Model(&models.Balance{}).
			Where("merchant_id = ? AND currency = ?", payout.MerchantID, payout.Currency).
			Updates(map[string]any{
				"amount":     gorm.Expr("amount - ?", payout.Amount),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("apply balance delta: %w", res.Error)
		}

		entry := models.LedgerTransaction{
			ID:          uuid.New(),
			PayoutID:    payout.ID,
			MerchantID:  payout.MerchantID,
			Type:        models.LedgerTypePayout,
			Amount:      payout.NetAmount,
			Currency:    payout.Currency,
			Chain:       payout.Chain,
			FromAddress: fromAddress,
			ToAddress:   payout.Destination,
			TxRef:       txRef,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("insert ledger transaction: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		r.logger.Info("payout already reconciled",
			zap.String("payout_id", payout.ID.String()))
		return nil
	}

	r.logger.Info("reconciled payout",
		zap.String("payout_id", payout.ID.String()),
		zap.String("currency", payout.Currency),
		zap.String("amount", payout.Amount.String()),
		zap.String("net_amount", payout.NetAmount.String()),
		zap.String("tx_ref", txRef))

	if err := r.emitter.Emit(ctx, events.Event{
		EventType:    events.EventPayoutCompleted,
		ResourceType: "payout",
		ResourceID:   payout.ID.String(),
		Payload: map[string]any{
			"payout_id":   payout.ID.String(),
			"merchant_id": payout.MerchantID.String(),
			"net_amount":  payout.NetAmount.String(),
			"currency":    payout.Currency,
			"destination": payout.Destination,
			"tx_ref":      txRef,
		},
	}); err != nil {
		// Notification fan-out is best-effort.
		r.logger.Warn("payout.completed event not published",
			zap.String("payout_id", payout.ID.String()), zap.Error(err))
	}
	return nil
}
