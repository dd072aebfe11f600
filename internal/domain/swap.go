/**
 * @description
 * This file defines the core domain models for the bridge-service. These structs
 * represent the swap request submitted by callers, the durable swap record that
 * drives the saga state machine, and the uniform transaction status shared by
 * every chain adapter.
 *
 * @notes
 * - A SwapRecord is created once, mutated one transition at a time by the
 *   orchestrator, and never deleted. Terminal records remain as an audit trail.
 * - Amounts are float64 in whole asset units; the computed destination amount
 *   is rounded to 8 decimal places when the rate is locked.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// SwapState enumerates the saga states a SwapRecord can occupy.
type SwapState string

const (
	StateRequested      SwapState = "requested"
	StateValidating     SwapState = "validating"
	StateWithdrawing    SwapState = "withdrawing"
	StateWithdrawn      SwapState = "withdrawn"
	StateRateLocked     SwapState = "rate_locked"
	StateDepositing     SwapState = "depositing"
	StateCompleted      SwapState = "completed"
	StateWithdrawFailed SwapState = "withdraw_failed"
	StateDepositFailed  SwapState = "deposit_failed"
	StateRollingBack    SwapState = "rolling_back"
	StateRolledBack     SwapState = "rolled_back"
	StateRollbackFailed SwapState = "rollback_failed"
	StateCancelled      SwapState = "cancelled"
)

// IsTerminal reports whether no further transitions are possible from s.
func (s SwapState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateWithdrawFailed, StateRolledBack, StateRollbackFailed, StateCancelled:
		return true
	}
	return false
}

// Committed reports whether the record has crossed the withdrawal commit point.
// After this the orchestrator owes the caller either delivery or a refund.
func (s SwapState) Committed() bool {
	switch s {
	case StateRequested, StateValidating, StateWithdrawing, StateWithdrawFailed, StateCancelled:
		return false
	}
	return true
}

// Outcome is the caller-visible summary derived from a terminal state.
type Outcome string

const (
	OutcomePending           Outcome = "pending"
	OutcomeCompleted         Outcome = "completed"
	OutcomeRejected          Outcome = "rejected"
	OutcomeRolledBack        Outcome = "rolled_back"
	OutcomeNeedsManualReview Outcome = "needs_manual_review"
)

// OutcomeForState maps a saga state to the caller-visible outcome.
// In-flight states map to OutcomePending.
func OutcomeForState(s SwapState) Outcome {
	switch s {
	case StateCompleted:
		return OutcomeCompleted
	case StateWithdrawFailed, StateCancelled:
		return OutcomeRejected
	case StateRolledBack:
		return OutcomeRolledBack
	case StateRollbackFailed:
		return OutcomeNeedsManualReview
	}
	return OutcomePending
}

// TransactionStatus is the uniform per-chain transaction status. A missing or
// not-yet-final receipt is Pending, never Failed; only an explicit on-chain
// rejection maps to Failed.
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusFailed    TransactionStatus = "failed"
	TxStatusNotFound  TransactionStatus = "not_found"
)

// TransactionResult is returned by adapter Withdraw and Deposit calls.
type TransactionResult struct {
	Reference string `json:"reference"`
}

// AccountCredential holds per-chain key material. It lives only in memory for
// the duration of a withdraw call and is never persisted in a SwapRecord.
type AccountCredential struct {
	PublicKey  string
	PrivateKey string
	SeedPhrase string
}

// SwapRequest is the caller's instruction to move value between two chains.
type SwapRequest struct {
	SourceChain    string    `json:"source_chain"`
	DestChain      string    `json:"dest_chain"`
	SourceAddress  string    `json:"source_address"`
	SourceKeyRef   string    `json:"-"` // signing credential, transient only
	DestAddress    string    `json:"dest_address"`
	Amount         float64   `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key"`
	RequestedAt    time.Time `json:"requested_at"`
}

// SwapRecord is the persisted state-machine instance for one swap. It maps
// directly to the `swap_records` table.
type SwapRecord struct {
	ID             uuid.UUID  `json:"id"`
	IdempotencyKey string     `json:"idempotency_key"`
	State          SwapState  `json:"state"`
	SourceChain    string     `json:"source_chain"`
	DestChain      string     `json:"dest_chain"`
	SourceAddress  string     `json:"source_address"`
	DestAddress    string     `json:"dest_address"`
	SourceAmount   float64    `json:"source_amount"`
	ExchangeRate   float64    `json:"exchange_rate,omitempty"`
	RateObservedAt *time.Time `json:"rate_observed_at,omitempty"`
	DestAmount     float64    `json:"dest_amount,omitempty"`
	WithdrawTxRef  string     `json:"withdraw_tx_ref,omitempty"`
	DepositTxRef   string     `json:"deposit_tx_ref,omitempty"`
	RollbackTxRef  string     `json:"rollback_tx_ref,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	RetryCount     int        `json:"retry_count"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	WithdrawnAt    *time.Time `json:"withdrawn_at,omitempty"`
	DepositedAt    *time.Time `json:"deposited_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FailedAt       *time.Time `json:"failed_at,omitempty"`
	RolledBackAt   *time.Time `json:"rolled_back_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

// SwapStatusResponse is returned by GetSwapStatus. Live transaction statuses
// are included when the corresponding references have been recorded.
type SwapStatusResponse struct {
	SwapID         uuid.UUID         `json:"swap_id"`
	State          SwapState         `json:"state"`
	Outcome        Outcome           `json:"outcome"`
	SourceChain    string            `json:"source_chain"`
	DestChain      string            `json:"dest_chain"`
	SourceAmount   float64           `json:"source_amount"`
	DestAmount     float64           `json:"dest_amount,omitempty"`
	ExchangeRate   float64           `json:"exchange_rate,omitempty"`
	WithdrawTxRef  string            `json:"withdraw_tx_ref,omitempty"`
	DepositTxRef   string            `json:"deposit_tx_ref,omitempty"`
	RollbackTxRef  string            `json:"rollback_tx_ref,omitempty"`
	WithdrawStatus TransactionStatus `json:"withdraw_status,omitempty"`
	DepositStatus  TransactionStatus `json:"deposit_status,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// RollbackFailedAlert is the payload delivered to the alert sink when a swap
// reaches the rollback_failed state. It carries every recorded reference and
// amount needed for manual reconciliation.
type RollbackFailedAlert struct {
	SwapID        uuid.UUID `json:"swap_id"`
	SourceChain   string    `json:"source_chain"`
	DestChain     string    `json:"dest_chain"`
	SourceAddress string    `json:"source_address"`
	DestAddress   string    `json:"dest_address"`
	SourceAmount  float64   `json:"source_amount"`
	DestAmount    float64   `json:"dest_amount"`
	WithdrawTxRef string    `json:"withdraw_tx_ref"`
	DepositTxRef  string    `json:"deposit_tx_ref,omitempty"`
	RollbackTxRef string    `json:"rollback_tx_ref,omitempty"`
	ErrorDetail   string    `json:"error_detail"`
	Timestamp     time.Time `json:"timestamp"`
}
