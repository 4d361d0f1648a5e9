package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/nexapay/settler/internal/chain"
	"github.com/nexapay/settler/internal/events"
	"github.com/nexapay/settler/internal/ledger"
	"github.com/nexapay/settler/internal/tracker"
	"github.com/nexapay/settler/pkg/models"
)

// fakeAdapter scripts submission outcomes and a confirmation status
// sequence; the last status repeats.
type fakeAdapter struct {
	name string

	mu          sync.Mutex
	submitErrs  []error
	submitRef   string
	statuses    []chain.TxStatus
	submitCalls int
	badAddrs    map[string]bool
}

func (f *fakeAdapter) Chain() string         { return f.name }
func (f *fakeAdapter) SourceAddress() string { return "0xsource" }

func (f *fakeAdapter) ValidateAddress(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.badAddrs[addr]
}

func (f *fakeAdapter) Submit(context.Context, string, decimal.Decimal, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.submitRef, nil
}

func (f *fakeAdapter) TxStatus(context.Context, string) (chain.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return chain.StatusPending, nil
	}
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return status, nil
}

func (f *fakeAdapter) UnsignedPreview(dest string, amount decimal.Decimal, currency string) (*chain.TxPreview, error) {
	return &chain.TxPreview{Chain: f.name, From: "0xsource", To: dest, Currency: currency}, nil
}

func (f *fakeAdapter) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(_ context.Context, evt events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *captureEmitter) Close() error { return nil }

func (c *captureEmitter) has(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, evt := range c.events {
		if evt.EventType == eventType {
			return true
		}
	}
	return false
}

type testEnv struct {
	db      *gorm.DB
	adapter *fakeAdapter
	emitter *captureEmitter
	disp    *Dispatcher
}

func newTestEnv(t *testing.T, adapter *fakeAdapter) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Payout{}, &models.LedgerTransaction{}, &models.Balance{}))

	registry, err := chain.NewRegistry(adapter)
	require.NoError(t, err)

	emitter := &captureEmitter{}
	trk := tracker.New(tracker.Config{
		PollInterval:  time.Millisecond,
		MaxInterval:   2 * time.Millisecond,
		Deadline:      100 * time.Millisecond,
		NotFoundLimit: 3,
	}, zap.NewNop())
	rec := ledger.New(db, emitter, zap.NewNop())

	disp := New(db, registry, trk, rec, emitter, Config{
		Interval:           time.Hour,
		BatchSize:          10,
		Workers:            2,
		SubmitRetries:      2,
		SubmitRetryBackoff: time.Millisecond,
		StaleAfter:         time.Minute,
	}, zap.NewNop())

	return &testEnv{db: db, adapter: adapter, emitter: emitter, disp: disp}
}

func (e *testEnv) createApproved(t *testing.T, chainName string, kind models.DestinationKind) *models.Payout {
	t.Helper()
	p, err := models.NewPayout(uuid.New(), "0xdest", kind, chainName, "USDC",
		decimal.RequireFromString("100"), decimal.RequireFromString("1"))
	require.NoError(t, err)
	now := time.Now().UTC()
	p.Status = models.PayoutStatusApproved
	p.ApprovedAt = &now
	require.NoError(t, e.db.Create(p).Error)
	return p
}

func (e *testEnv) reload(t *testing.T, id uuid.UUID) *models.Payout {
	t.Helper()
	var p models.Payout
	require.NoError(t, e.db.First(&p, "id = ?", id).Error)
	return &p
}

func (e *testEnv) ledgerEntries(t *testing.T, payoutID uuid.UUID) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&models.LedgerTransaction{}).
		Where("payout_id = ?", payoutID).Count(&n).Error)
	return n
}

func TestSweepSettlesPayout(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		name:      "testnet",
		submitRef: "0xabc",
		statuses:  []chain.TxStatus{chain.StatusConfirmed},
	})
	payout := env.createApproved(t, "testnet", models.DestinationWallet)

	require.NoError(t, env.disp.Sweep(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusCompleted, stored.Status)
	require.NotNil(t, stored.TxRef)
	assert.Equal(t, "0xabc", *stored.TxRef)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 1, env.adapter.submitted())

	assert.Equal(t, int64(1), env.ledgerEntries(t, payout.ID))
	var bal models.Balance
	require.NoError(t, env.db.First(&bal, "merchant_id = ? AND currency = ?", payout.MerchantID, "USDC").Error)
	assert.True(t, bal.Amount.Equal(decimal.RequireFromString("-100")), "balance is %s", bal.Amount)

	assert.True(t, env.emitter.has(events.EventPayoutCompleted))
}

func TestSweepSkipsCustodialDestinations(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{name: "testnet", submitRef: "0xabc"})
	payout := env.createApproved(t, "testnet", models.DestinationCustodial)

	require.NoError(t, env.disp.Sweep(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusApproved, stored.Status)
	assert.Equal(t, 0, env.adapter.submitted())
}

func TestSweepIgnoresPendingPayouts(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{name: "testnet", submitRef: "0xabc"})
	p, err := models.NewPayout(uuid.New(), "0xdest", models.DestinationWallet, "testnet", "USDC",
		decimal.RequireFromString("100"), decimal.RequireFromString("1"))
	require.NoError(t, err)
	require.NoError(t, env.db.Create(p).Error)

	require.NoError(t, env.disp.Sweep(context.Background()))

	stored := env.reload(t, p.ID)
	assert.Equal(t, models.PayoutStatusPending, stored.Status)
	assert.Equal(t, 0, env.adapter.submitted())
}

func TestInsufficientFundsFailsPayout(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		name:       "testnet",
		submitErrs: []error{fmt.Errorf("source balance too low: %w", chain.ErrInsufficientFunds)},
	})
	payout := env.createApproved(t, "testnet", models.DestinationWallet)

	require.NoError(t, env.disp.Sweep(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Nil(t, stored.TxRef)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "insufficient")
	assert.NotNil(t, stored.FailedAt)

	assert.Equal(t, 1, env.adapter.submitted())
	assert.Equal(t, int64(0), env.ledgerEntries(t, payout.ID))
	assert.True(t, env.emitter.has(events.EventPayoutFailed))
}

func TestTransientNetworkErrorRetriedWithinSweep(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		name: "testnet",
		submitErrs: []error{
			fmt.Errorf("rpc: %w", chain.ErrNetworkError),
			fmt.Errorf("rpc: %w", chain.ErrNetworkError),
		},
		submitRef: "0xabc",
		statuses:  []chain.TxStatus{chain.StatusConfirmed},
	})
	payout := env.createApproved(t, "testnet", models.DestinationWallet)

	require.NoError(t, env.disp.Sweep(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusCompleted, stored.Status)
	assert.Equal(t, 3, env.adapter.submitted())
}

func TestNetworkErrorExhaustsRetries(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		name: "testnet",
		submitErrs: []error{
			fmt.Errorf("rpc: %w", chain.ErrNetworkError),
			fmt.Errorf("rpc: %w", chain.ErrNetworkError),
			fmt.Errorf("rpc: %w", chain.ErrNetworkError),
		},
	})
	payout := env.createApproved(t, "testnet", models.DestinationWallet)

	require.NoError(t, env.disp.Sweep(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusFailed, stored.Status)
	assert.Nil(t, stored.TxRef)
	assert.Equal(t, 3, env.adapter.submitted())
	assert.Equal(t, int64(0), env.ledgerEntries(t, payout.ID))
}

func TestRevertedTransferFailsWithoutBalanceChange(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		name:      "testnet",
		submitRef: "0xabc",
		statuses:  []chain.TxStatus{chain.StatusReverted},
	})
	payout := env.createApproved(t, "testnet", models.DestinationWallet)

	require.NoError(t, env.disp.Sweep(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusFailed, stored.Status)
	require.NotNil(t, stored.TxRef)
	assert.Equal(t, "0xabc", *stored.TxRef)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "reverted")

	assert.Equal(t, int64(0), env.ledgerEntries(t, payout.ID))
	var balances int64
	require.NoError(t, env.db.Model(&models.Balance{}).Count(&balances).Error)
	assert.Equal(t, int64(0), balances)
}

func TestConfirmationTimeoutKeepsReference(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		name:      "testnet",
		submitRef: "0xabc",
		statuses:  []chain.TxStatus{chain.StatusPending},
	})
	payout := env.createApproved(t, "testnet", models.DestinationWallet)

	require.NoError(t, env.disp.Sweep(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusFailed, stored.Status)
	require.NotNil(t, stored.TxRef)
	assert.Equal(t, "0xabc", *stored.TxRef)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "deadline")
	assert.Equal(t, int64(0), env.ledgerEntries(t, payout.ID))
}

func TestNotFoundIsTerminalWithoutResubmission(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		name:      "testnet",
		submitRef: "0xabc",
		statuses:  []chain.TxStatus{chain.StatusNotFound},
	})
	payout := env.createApproved(t, "testnet", models.DestinationWallet)

	require.NoError(t, env.disp.Sweep(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "operator review")
	assert.Equal(t, 1, env.adapter.submitted())
}

func TestUnsupportedChainFailsPayout(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{name: "testnet"})
	payout := env.createApproved(t, "base", models.DestinationWallet)

	require.NoError(t, env.disp.Sweep(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "unsupported chain")
	assert.Equal(t, 0, env.adapter.submitted())
}

func TestInvalidDestinationFailsBeforeSubmission(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		name:     "testnet",
		badAddrs: map[string]bool{"0xdest": true},
	})
	payout := env.createApproved(t, "testnet", models.DestinationWallet)

	require.NoError(t, env.disp.Sweep(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusFailed, stored.Status)
	assert.Equal(t, 0, env.adapter.submitted())
}

func TestTamperedAmountsFailBeforeSubmission(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{name: "testnet"})
	payout := env.createApproved(t, "testnet", models.DestinationWallet)
	require.NoError(t, env.db.Model(&models.Payout{}).
		Where("id = ?", payout.ID).
		Update("net_amount", decimal.RequireFromString("150")).Error)

	require.NoError(t, env.disp.Sweep(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusFailed, stored.Status)
	assert.Equal(t, 0, env.adapter.submitted())
}

func TestClaimHasSingleWinner(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{name: "testnet"})
	payout := env.createApproved(t, "testnet", models.DestinationWallet)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			row := *payout
			results <- env.disp.Claim(context.Background(), &row)
		}()
	}
	wg.Wait()
	close(results)

	winners, losers := 0, 0
	for err := range results {
		if err == nil {
			winners++
		} else {
			require.ErrorIs(t, err, models.ErrInvalidStateTransition)
			losers++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, losers)
}

func TestRecoverStaleResumesTracking(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{
		name:     "testnet",
		statuses: []chain.TxStatus{chain.StatusConfirmed},
	})
	payout := env.createApproved(t, "testnet", models.DestinationWallet)
	ref := "0xdead"
	staleSince := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.db.Model(&models.Payout{}).
		Where("id = ?", payout.ID).
		Updates(map[string]any{
			"status":        models.PayoutStatusProcessing,
			"processing_at": staleSince,
			"tx_ref":        ref,
		}).Error)

	require.NoError(t, env.disp.RecoverStale(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusCompleted, stored.Status)
	assert.Equal(t, 0, env.adapter.submitted(), "recovery must never re-submit")
	assert.Equal(t, int64(1), env.ledgerEntries(t, payout.ID))
}

func TestRecoverStaleWithoutReferenceFails(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{name: "testnet"})
	payout := env.createApproved(t, "testnet", models.DestinationWallet)
	staleSince := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.db.Model(&models.Payout{}).
		Where("id = ?", payout.ID).
		Updates(map[string]any{
			"status":        models.PayoutStatusProcessing,
			"processing_at": staleSince,
		}).Error)

	require.NoError(t, env.disp.RecoverStale(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Contains(t, *stored.ErrorMessage, "no transaction reference")
	assert.Equal(t, 0, env.adapter.submitted())
}

func TestRecoverStaleLeavesFreshProcessingAlone(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{name: "testnet"})
	payout := env.createApproved(t, "testnet", models.DestinationWallet)
	require.NoError(t, env.db.Model(&models.Payout{}).
		Where("id = ?", payout.ID).
		Updates(map[string]any{
			"status":        models.PayoutStatusProcessing,
			"processing_at": time.Now().UTC(),
		}).Error)

	require.NoError(t, env.disp.RecoverStale(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusProcessing, stored.Status)
}

func TestRecoverStaleReconcilesAlreadyLedgeredPayout(t *testing.T) {
	// Crash between ledger write and status update: the ledger row exists,
	// the payout is still processing. Recovery must complete it without a
	// second debit.
	env := newTestEnv(t, &fakeAdapter{
		name:     "testnet",
		statuses: []chain.TxStatus{chain.StatusConfirmed},
	})
	payout := env.createApproved(t, "testnet", models.DestinationWallet)
	ref := "0xdead"
	staleSince := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, env.db.Model(&models.Payout{}).
		Where("id = ?", payout.ID).
		Updates(map[string]any{
			"status":        models.PayoutStatusProcessing,
			"processing_at": staleSince,
			"tx_ref":        ref,
		}).Error)
	require.NoError(t, env.db.Create(&models.Balance{
		ID:         uuid.New(),
		MerchantID: payout.MerchantID,
		Currency:   "USDC",
		Amount:     decimal.RequireFromString("-100"),
	}).Error)
	require.NoError(t, env.db.Create(&models.LedgerTransaction{
		ID:         uuid.New(),
		PayoutID:   payout.ID,
		MerchantID: payout.MerchantID,
		Type:       models.LedgerTypePayout,
		Amount:     payout.NetAmount,
		Currency:   "USDC",
		Chain:      "testnet",
		TxRef:      ref,
	}).Error)

	require.NoError(t, env.disp.RecoverStale(context.Background()))

	stored := env.reload(t, payout.ID)
	assert.Equal(t, models.PayoutStatusCompleted, stored.Status)
	assert.Equal(t, int64(1), env.ledgerEntries(t, payout.ID))

	var bal models.Balance
	require.NoError(t, env.db.First(&bal, "merchant_id = ? AND currency = ?", payout.MerchantID, "USDC").Error)
	assert.True(t, bal.Amount.Equal(decimal.RequireFromString("-100")), "balance debited twice: %s", bal.Amount)
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{name: "testnet"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, env.disp.Start(ctx))
	assert.Error(t, env.disp.Start(ctx), "second start must fail")
	env.disp.Stop()
	env.disp.Stop()
}
