/**
 * @description
 * This file defines the `Adapter` interface, the uniform capability contract
 * every supported chain implements. The orchestrator only ever talks to chains
 * through this contract; per-chain mechanics (signing schemes, receipt shapes,
 * finality rules) stay behind it.
 *
 * @notes
 * - Every operation returns an explicit error; expected failure classes are
 *   the sentinel errors in errors.go, never panics.
 * - Withdraw and Deposit submit exactly one signed transaction and return its
 *   reference. Receipt waiting is the tracker's job, not the adapter's, so one
 *   backoff/timeout policy governs all chains.
 */

package chains

import (
	"context"

	"github.com/chainbridge/bridge-service/internal/domain"
)

// Adapter is the per-chain implementation of the bridge capability contract.
type Adapter interface {
	// ChainID returns the identifier this adapter is registered under.
	ChainID() string

	// GetAccountBalance returns the balance of address in whole asset units.
	GetAccountBalance(ctx context.Context, address string) (float64, error)

	// CreateAccount generates new chain-native credentials.
	CreateAccount(ctx context.Context) (domain.AccountCredential, error)

	// RestoreAccount deterministically recovers credentials from seed material.
	RestoreAccount(ctx context.Context, seedPhrase string) (domain.AccountCredential, error)

	// Withdraw moves amount from a user-controlled account into this chain's
	// treasury account. The sender's private key is used transiently and must
	// not be retained.
	Withdraw(ctx context.Context, amount float64, senderAddress, senderPrivateKey string) (domain.TransactionResult, error)

	// Deposit moves amount from this chain's treasury account to receiver.
	// Refunds are structurally identical to deposits, so the rollback path
	// reuses this operation.
	Deposit(ctx context.Context, amount float64, receiverAddress string) (domain.TransactionResult, error)

	// GetTransactionStatus maps the chain's receipt shape for txRef into the
	// uniform status set. A missing or not-yet-final receipt is Pending.
	GetTransactionStatus(ctx context.Context, txRef string) (domain.TransactionStatus, error)

	// ValidateAddress reports whether address is well formed for this chain.
	ValidateAddress(address string) error
}
