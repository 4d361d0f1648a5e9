// Package dispatcher runs the settlement loop: it claims approved payouts,
// routes them to chain adapters, drives them through submission and
// confirmation, and finalizes the outcome.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nexapay/settler/internal/chain"
	"github.com/nexapay/settler/internal/events"
	"github.com/nexapay/settler/internal/ledger"
	"github.com/nexapay/settler/internal/tracker"
	"github.com/nexapay/settler/pkg/metrics"
	"github.com/nexapay/settler/pkg/models"
)

// Config bounds one dispatcher instance.
type Config struct {
	Interval           time.Duration
	BatchSize          int
	Workers            int
	SubmitRetries      int
	SubmitRetryBackoff time.Duration
	StaleAfter         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SubmitRetries < 0 {
		c.SubmitRetries = 0
	}
	if c.SubmitRetryBackoff <= 0 {
		c.SubmitRetryBackoff = time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	return c
}

// Dispatcher is the recurring background sweep. Multiple instances may run
// concurrently (deploy overlap); the conditional claim in the database is
// what keeps them from double-submitting.
type Dispatcher struct {
	db         *gorm.DB
	registry   *chain.Registry
	tracker    *tracker.Tracker
	reconciler *ledger.Reconciler
	emitter    events.Emitter
	logger     *zap.Logger
	cfg        Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(db *gorm.DB, registry *chain.Registry, trk *tracker.Tracker, rec *ledger.Reconciler, emitter events.Emitter, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:         db,
		registry:   registry,
		tracker:    trk,
		reconciler: rec,
		emitter:    emitter,
		logger:     logger,
		cfg:        cfg.withDefaults(),
	}
}

// Start recovers stale in-flight payouts, then begins the sweep loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	if err := d.RecoverStale(ctx); err != nil {
		d.logger.Error("recovery sweep failed", zap.Error(err))
	}

	d.wg.Add(1)
	go d.run(ctx)
	d.logger.Info("settlement dispatcher started",
		zap.Duration("interval", d.cfg.Interval),
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Strings("chains", d.registry.Chains()))
	return nil
}

// Stop halts the sweep loop and waits for in-flight payouts to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("settlement dispatcher stopped")
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.Sweep(ctx); err != nil {
				d.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep selects a bounded batch of approved wallet payouts and settles
// them with bounded parallelism. One payout's failure never aborts the
// batch; by the end of the sweep every selected payout is processing,
// completed, or failed.
func (d *Dispatcher) Sweep(ctx context.Context) error {
	started := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(started).Seconds())
	}()

	var batch []models.Payout
	err := d.db.WithContext(ctx).
		Where("status = ? AND destination_kind = ?", models.PayoutStatusApproved, models.DestinationWallet).
		Order("approved_at asc").
		Limit(d.cfg.BatchSize).
		Find(&batch).Error
	if err != nil {
		return fmt.Errorf("select approved payouts: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	jobs := make(chan models.Payout)
	var wg sync.WaitGroup
	workers := d.cfg.Workers
	if workers > len(batch) {
		workers = len(batch)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				d.settle(ctx, &p)
			}
		}()
	}
	for _, p := range batch {
		jobs <- p
	}
	close(jobs)
	wg.Wait()
	return nil
}

// settle drives one payout from approved to a terminal state.
func (d *Dispatcher) settle(ctx context.Context, payout *models.Payout) {
	log := d.logger.With(
		zap.String("payout_id", payout.ID.String()),
		zap.String("chain", payout.Chain))

	if err := d.Claim(ctx, payout); err != nil {
		if errors.Is(err, models.ErrInvalidStateTransition) {
			// Another dispatcher instance won the claim.
			log.Debug("payout already claimed")
			return
		}
		log.Error("claim failed", zap.Error(err))
		return
	}

	if !payout.AmountsValid() {
		d.markFailed(ctx, payout, "invalid_amounts", fmt.Errorf("%w: net must equal amount minus fee and be positive", models.ErrInvalidAmount))
		return
	}

	adapter, err := d.registry.Get(payout.Chain)
	if err != nil {
		d.markFailed(ctx, payout, chain.ErrorClass(err), err)
		return
	}
	if !adapter.ValidateAddress(payout.Destination) {
		err := fmt.Errorf("%w: %s", chain.ErrInvalidDestination, payout.Destination)
		d.markFailed(ctx, payout, chain.ErrorClass(err), err)
		return
	}

	ref, err := d.submitWithRetry(ctx, adapter, payout)
	if err != nil {
		d.markFailed(ctx, payout, chain.ErrorClass(err), err)
		return
	}

	// Persist the reference before confirmation so a crash after
	// broadcast cannot lose it.
	if err := d.db.WithContext(ctx).Model(&models.Payout{}).
		Where("id = ?", payout.ID).
		Update("tx_ref", ref).Error; err != nil {
		log.Error("failed to persist transaction reference",
			zap.String("tx_ref", ref), zap.Error(err))
		// Keep going: the reference is live on chain regardless.
	}
	payout.TxRef = &ref

	d.finalize(ctx, adapter, payout, ref)
}

// finalize awaits confirmation and settles the outcome. Shared by the
// normal path and stale-processing recovery.
func (d *Dispatcher) finalize(ctx context.Context, adapter chain.Adapter, payout *models.Payout, ref string) {
	log := d.logger.With(
		zap.String("payout_id", payout.ID.String()),
		zap.String("chain", payout.Chain),
		zap.String("tx_ref", ref))

	switch resolution := d.tracker.Await(ctx, adapter, ref); resolution {
	case tracker.ResolutionConfirmed:
		if err := d.reconciler.Reconcile(ctx, payout, ref, adapter.SourceAddress()); err != nil {
			// The transfer is final on chain. Leave the payout in
			// processing so the recovery sweep reconciles it via the
			// idempotency key instead of ever marking it failed.
			log.Error("reconciliation failed, leaving payout in processing", zap.Error(err))
			return
		}
		d.markCompleted(ctx, payout)
	case tracker.ResolutionReverted:
		d.markFailed(ctx, payout, "reverted", fmt.Errorf("transaction %s reverted on chain", ref))
	case tracker.ResolutionNotFound:
		d.markFailed(ctx, payout, "not_found", fmt.Errorf("transaction %s not found on chain, operator review required", ref))
	default:
		d.markFailed(ctx, payout, "confirmation_timeout", fmt.Errorf("confirmation deadline exceeded for %s", ref))
	}
}

// Claim atomically transitions approved to processing. This conditional
// update is the single-writer critical section: of two concurrent
// dispatchers only one sees RowsAffected == 1, the other gets
// ErrInvalidStateTransition.
func (d *Dispatcher) Claim(ctx context.Context, payout *models.Payout) error {
	now := time.Now().UTC()
	res := d.db.WithContext(ctx).Model(&models.Payout{}).
		Where("id = ? AND status = ?", payout.ID, models.PayoutStatusApproved).
		Updates(map[string]any{
			"status":        models.PayoutStatusProcessing,
			"processing_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("claim payout: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: payout %s not claimable", models.ErrInvalidStateTransition, payout.ID)
	}
	payout.Status = models.PayoutStatusProcessing
	payout.ProcessingAt = &now
	return nil
}

// submitWithRetry retries only transient RPC failures, a bounded number of
// times within the sweep. Everything else fails the payout immediately.
func (d *Dispatcher) submitWithRetry(ctx context.Context, adapter chain.Adapter, payout *models.Payout) (string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		ref, err := adapter.Submit(ctx, payout.Destination, payout.NetAmount, payout.Currency)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if !errors.Is(err, chain.ErrNetworkError) || attempt >= d.cfg.SubmitRetries {
			return "", lastErr
		}
		metrics.SubmissionRetries.Inc()
		d.logger.Warn("transient submission failure, retrying",
			zap.String("payout_id", payout.ID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return "", lastErr
		case <-time.After(d.cfg.SubmitRetryBackoff << attempt):
		}
	}
}

func (d *Dispatcher) markCompleted(ctx context.Context, payout *models.Payout) {
	now := time.Now().UTC()
	res := d.db.WithContext(ctx).Model(&models.Payout{}).
		Where("id = ? AND status = ?", payout.ID, models.PayoutStatusProcessing).
		Updates(map[string]any{
			"status":       models.PayoutStatusCompleted,
			"completed_at": now,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		d.logger.Error("failed to mark payout completed",
			zap.String("payout_id", payout.ID.String()),
			zap.Error(res.Error))
		return
	}
	payout.Status = models.PayoutStatusCompleted
	payout.CompletedAt = &now
	metrics.PayoutsSettled.WithLabelValues(payout.Chain).Inc()
	d.logger.Info("payout completed",
		zap.String("payout_id", payout.ID.String()),
		zap.String("chain", payout.Chain))
}

// markFailed persists the failure on the payout row so operators can audit
// without external logs, and emits payout.failed. Failed payouts require
// explicit re-approval; the engine never re-submits them on its own.
func (d *Dispatcher) markFailed(ctx context.Context, payout *models.Payout, reason string, cause error) {
	now := time.Now().UTC()
	msg := cause.Error()
	res := d.db.WithContext(ctx).Model(&models.Payout{}).
		Where("id = ? AND status = ?", payout.ID, models.PayoutStatusProcessing).
		Updates(map[string]any{
			"status":        models.PayoutStatusFailed,
			"error_message": msg,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"failed_at":     now,
		})
	if res.Error != nil || res.RowsAffected == 0 {
		d.logger.Error("failed to mark payout failed",
			zap.String("payout_id", payout.ID.String()),
			zap.Error(res.Error))
		return
	}
	payout.Status = models.PayoutStatusFailed
	payout.ErrorMessage = &msg
	payout.FailedAt = &now
	payout.RetryCount++
	metrics.PayoutsFailed.WithLabelValues(payout.Chain, reason).Inc()
	d.logger.Warn("payout failed",
		zap.String("payout_id", payout.ID.String()),
		zap.String("chain", payout.Chain),
		zap.String("reason", reason),
		zap.String("error", msg))

	if err := d.emitter.Emit(ctx, events.Event{
		EventType:    events.EventPayoutFailed,
		ResourceType: "payout",
		ResourceID:   payout.ID.String(),
		Payload: map[string]any{
			"payout_id":   payout.ID.String(),
			"merchant_id": payout.MerchantID.String(),
			"chain":       payout.Chain,
			"reason":      reason,
			"error":       msg,
		},
	}); err != nil {
		d.logger.Warn("payout.failed event not published",
			zap.String("payout_id", payout.ID.String()), zap.Error(err))
	}
}

// RecoverStale re-examines payouts stuck in processing beyond the
// staleness threshold, e.g. after a crash mid-settlement. A recorded
// transaction reference is resumed, never re-submitted; without one there
// is nothing safe to resume, so the payout fails for operator review.
func (d *Dispatcher) RecoverStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-d.cfg.StaleAfter)
	var stale []models.Payout
	err := d.db.WithContext(ctx).
		Where("status = ? AND processing_at < ?", models.PayoutStatusProcessing, cutoff).
		Find(&stale).Error
	if err != nil {
		return fmt.Errorf("select stale payouts: %w", err)
	}
	for i := range stale {
		payout := &stale[i]
		log := d.logger.With(zap.String("payout_id", payout.ID.String()))
		if payout.TxRef == nil || *payout.TxRef == "" {
			d.markFailed(ctx, payout, "stale_processing",
				fmt.Errorf("stale processing payout with no transaction reference"))
			continue
		}
		adapter, err := d.registry.Get(payout.Chain)
		if err != nil {
			d.markFailed(ctx, payout, chain.ErrorClass(err), err)
			continue
		}
		log.Info("resuming confirmation tracking for stale payout",
			zap.String("tx_ref", *payout.TxRef))
		d.finalize(ctx, adapter, payout, *payout.TxRef)
	}
	return nil
}
