// Package tracker polls chain adapters for the finality of submitted
// transaction references.
package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nexapay/settler/internal/chain"
)

// Resolution is the terminal outcome of tracking one reference.
type Resolution int

const (
	// ResolutionConfirmed: the transfer is final and succeeded.
	ResolutionConfirmed Resolution = iota
	// ResolutionReverted: the transfer landed but failed on chain.
	ResolutionReverted
	// ResolutionNotFound: the reference never landed after repeated
	// polls. Terminal, requires operator review; retrying with a fresh
	// transaction risks paying twice if the original eventually lands.
	ResolutionNotFound
	// ResolutionTimedOut: still pending when the deadline expired.
	ResolutionTimedOut
)

func (r Resolution) String() string {
	switch r {
	case ResolutionConfirmed:
		return "confirmed"
	case ResolutionReverted:
		return "reverted"
	case ResolutionNotFound:
		return "not_found"
	case ResolutionTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Config bounds the polling loop.
type Config struct {
	PollInterval  time.Duration
	MaxInterval   time.Duration
	Deadline      time.Duration
	NotFoundLimit int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Deadline <= 0 {
		c.Deadline = 5 * time.Minute
	}
	if c.NotFoundLimit <= 0 {
		c.NotFoundLimit = 5
	}
	return c
}

// Tracker awaits finality with exponential backoff up to a bounded
// deadline.
type Tracker struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Tracker {
	return &Tracker{cfg: cfg.withDefaults(), logger: logger}
}

// Await polls the adapter until the reference resolves or the deadline
// expires. Transient polling errors are logged and retried within the
// deadline; they never resolve the payout on their own.
func (t *Tracker) Await(ctx context.Context, adapter chain.Adapter, ref string) Resolution {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Deadline)
	defer cancel()

	interval := t.cfg.PollInterval
	notFound := 0
	for {
		status, err := adapter.TxStatus(ctx, ref)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ResolutionTimedOut
			}
			t.logger.Warn("confirmation poll failed",
				zap.String("chain", adapter.Chain()),
				zap.String("tx_ref", ref),
				zap.Error(err))
		case status == chain.StatusConfirmed:
			return ResolutionConfirmed
		case status == chain.StatusReverted:
			return ResolutionReverted
		case status == chain.StatusNotFound:
			notFound++
			if notFound >= t.cfg.NotFoundLimit {
				return ResolutionNotFound
			}
		default:
			// Still pending; a later NotFound streak starts over.
			notFound = 0
		}

		select {
		case <-ctx.Done():
			return ResolutionTimedOut
		case <-time.After(interval):
		}
		interval *= 2
		if interval > t.cfg.MaxInterval {
			interval = t.cfg.MaxInterval
		}
	}
}
