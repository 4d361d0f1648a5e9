package chain

import (
	"context"
	"errors"
	"net"
)

// Failure taxonomy for submissions. The dispatcher classifies with
// errors.Is; only ErrNetworkError is retryable.
var (
	// ErrInsufficientFunds means the custodial signing wallet holds less
	// than the required amount. Operational alert; the wallet needs a
	// top-up before the payout can be re-approved.
	ErrInsufficientFunds = errors.New("insufficient signing wallet funds")

	// ErrInvalidDestination means the destination address failed the
	// chain's format or account checks. Data-entry error, no retry.
	ErrInvalidDestination = errors.New("invalid destination address")

	// ErrUnsupportedAsset means the asset is not deployed or available on
	// the chain. Configuration error, no retry.
	ErrUnsupportedAsset = errors.New("unsupported asset")

	// ErrNetworkError means the RPC endpoint was unreachable or timed
	// out. Transient; safe to retry with identical parameters.
	ErrNetworkError = errors.New("chain rpc network error")

	// ErrSubmissionRejected means the network rejected the broadcast.
	// Not retryable with identical parameters.
	ErrSubmissionRejected = errors.New("transaction rejected by network")

	// ErrUnsupportedChain means no adapter is registered for the chain
	// identifier. Configuration error, no retry.
	ErrUnsupportedChain = errors.New("unsupported chain")
)

// ErrorClass maps a submission error onto a stable label used in metrics
// and persisted error messages.
func ErrorClass(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInvalidDestination):
		return "invalid_destination"
	case errors.Is(err, ErrUnsupportedAsset):
		return "unsupported_asset"
	case errors.Is(err, ErrNetworkError):
		return "network_error"
	case errors.Is(err, ErrSubmissionRejected):
		return "submission_rejected"
	case errors.Is(err, ErrUnsupportedChain):
		return "unsupported_chain"
	default:
		return "unknown"
	}
}

// isTransportError reports whether err looks like an RPC transport failure
// rather than a rejection by the node.
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
