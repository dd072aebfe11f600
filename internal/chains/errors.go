package chains

import "errors"

// Failure classes shared by every adapter. The orchestrator's retry logic
// distinguishes transient classes (retry with backoff) from terminal ones
// (no new input can change the outcome).
var (
	// ErrChainUnavailable covers transient node/network failures.
	ErrChainUnavailable = errors.New("chain unavailable")

	// ErrInsufficientFunds is terminal for the attempt.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrChainRejected means the transaction definitively failed on-chain.
	ErrChainRejected = errors.New("transaction rejected on-chain")

	// ErrInvalidAddress means the address is malformed for the chain.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrUnknownChain is returned by the registry for unregistered chain ids.
	ErrUnknownChain = errors.New("unknown chain")
)

// IsTransient reports whether err belongs to a retryable failure class.
func IsTransient(err error) bool {
	return errors.Is(err, ErrChainUnavailable)
}
