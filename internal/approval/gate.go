// Package approval gates payouts from pending to approved before the
// dispatcher may settle them.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexapay/settler/internal/chain"
	"github.com/nexapay/settler/internal/events"
	"github.com/nexapay/settler/pkg/models"
)

// ErrUnauthorizedApprover is returned when the approver holds no approving
// role for the payout's merchant.
var ErrUnauthorizedApprover = errors.New("approver not authorized for merchant")

// ApproverDirectory answers whether an operator may approve payouts for a
// merchant.
type ApproverDirectory interface {
	IsAuthorized(ctx context.Context, approverID, merchantID uuid.UUID) (bool, error)
}

// RoleDirectory is the database-backed directory reading the roles the
// back office maintains.
type RoleDirectory struct {
	db *gorm.DB
}

func NewRoleDirectory(db *gorm.DB) *RoleDirectory {
	return &RoleDirectory{db: db}
}

func (d *RoleDirectory) IsAuthorized(ctx context.Context, approverID, merchantID uuid.UUID) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&models.ApproverRole{}).
		Where("approver_id = ? AND merchant_id = ? AND role IN ?", approverID, merchantID, []string{"admin", "finance"}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("approver role lookup: %w", err)
	}
	return count > 0, nil
}

// Gate performs the approval state transition and records the audit trail.
type Gate struct {
	db        *gorm.DB
	registry  *chain.Registry
	directory ApproverDirectory
	emitter   events.Emitter
	logger    *zap.Logger
}

func NewGate(db *gorm.DB, registry *chain.Registry, directory ApproverDirectory, emitter events.Emitter, logger *zap.Logger) *Gate {
	return &Gate{
		db:        db,
		registry:  registry,
		directory: directory,
		emitter:   emitter,
		logger:    logger,
	}
}

// Approve moves a pending payout to approved, records who approved it, and
// appends the audit record. Deliberately not idempotent: approving an
// already-approved payout fails with ErrInvalidStateTransition so a second
// operator sees the race instead of silently re-approving.
func (g *Gate) Approve(ctx context.Context, payoutID, approverID uuid.UUID, notes string) (*models.Payout, error) {
	var payout models.Payout
	if err := g.db.WithContext(ctx).First(&payout, "id = ?", payoutID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrPayoutNotFound
		}
		return nil, fmt.Errorf("load payout: %w", err)
	}
	if payout.Status != models.PayoutStatusPending {
		return nil, fmt.Errorf("%w: payout %s is %s", models.ErrInvalidStateTransition, payoutID, payout.Status)
	}

	ok, err := g.directory.IsAuthorized(ctx, approverID, payout.MerchantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: approver %s, merchant %s", ErrUnauthorizedApprover, approverID, payout.MerchantID)
	}

	now := time.Now().UTC()
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Payout{}).
			Where("id = ? AND status = ?", payoutID, models.PayoutStatusPending).
			Updates(map[string]any{
				"status":      models.PayoutStatusApproved,
				"approved_by": approverID,
				"approved_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("approve payout: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: payout %s left pending concurrently", models.ErrInvalidStateTransition, payoutID)
		}
		return tx.Create(&models.PayoutApproval{
			ID:         uuid.New(),
			PayoutID:   payoutID,
			ApproverID: approverID,
			Decision:   "approved",
			Notes:      notes,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	payout.Status = models.PayoutStatusApproved
	payout.ApprovedBy = &approverID
	payout.ApprovedAt = &now

	g.logger.Info("payout approved",
		zap.String("payout_id", payoutID.String()),
		zap.String("approver_id", approverID.String()),
		zap.String("chain", payout.Chain),
		zap.String("net_amount", payout.NetAmount.String()))

	// Side channel only; a failure here never rolls back the approval.
	g.notifyApproved(ctx, &payout)

	return &payout, nil
}

// notifyApproved builds an unsigned-transaction preview and schedules the
// approval notification, best effort.
func (g *Gate) notifyApproved(ctx context.Context, payout *models.Payout) {
	payload := map[string]any{
		"payout_id":   payout.ID.String(),
		"merchant_id": payout.MerchantID.String(),
		"chain":       payout.Chain,
		"currency":    payout.Currency,
		"net_amount":  payout.NetAmount.String(),
		"destination": payout.Destination,
	}
	if adapter, err := g.registry.Get(payout.Chain); err == nil {
		if preview, err := adapter.UnsignedPreview(payout.Destination, payout.NetAmount, payout.Currency); err == nil {
			payload["preview"] = preview
		} else {
			g.logger.Warn("unsigned preview unavailable",
				zap.String("payout_id", payout.ID.String()), zap.Error(err))
		}
	}
	if err := g.emitter.Emit(ctx, events.Event{
		EventType:    events.EventPayoutApproved,
		ResourceType: "payout",
		ResourceID:   payout.ID.String(),
		Payload:      payload,
	}); err != nil {
		g.logger.Warn("payout.approved event not published",
			zap.String("payout_id", payout.ID.String()), zap.Error(err))
	}
}
