/**
 * @description
 * The saga worker for a single swap. One goroutine owns the record and drives
 * it through the state machine one compare-and-swap transition at a time:
 *
 *   requested -> validating -> withdrawing -> withdrawn -> rate_locked
 *   -> depositing -> completed
 *
 * The withdrawal confirmation is the commit point. Before it, any failure is a
 * clean rejection with no funds moved. After it, the worker owes the caller
 * either the destination deposit or a compensating refund on the source chain;
 * when neither can be confirmed the swap lands in rollback_failed and the
 * alert sink is notified.
 *
 * Every transition is guarded by the record version, so a concurrent cancel or
 * a duplicate worker loses cleanly instead of double-spending.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/chainbridge/bridge-service/internal/chains"
	"github.com/chainbridge/bridge-service/internal/domain"
	"github.com/chainbridge/bridge-service/internal/rates"
	"github.com/chainbridge/bridge-service/internal/store"
	"github.com/chainbridge/bridge-service/internal/tracker"
	"github.com/chainbridge/bridge-service/pkg/rabbitmq"
)

// runSwap drives a freshly created swap from requested to a terminal state.
// signingKey is the caller's source-chain credential; it lives only in this
// goroutine and is gone after the withdrawal is submitted.
func (s *Service) runSwap(record *domain.SwapRecord, signingKey string) {
	ctx := context.Background()

	if !s.transitionOrStop(ctx, record, domain.StateValidating, nil) {
		return
	}

	sourceAdapter, err := s.registry.Get(record.SourceChain)
	if err != nil {
		s.rejectBeforeCommit(ctx, record, fmt.Sprintf("source chain unavailable: %v", err))
		return
	}

	if time.Now().UTC().After(record.ExpiresAt) {
		s.rejectBeforeCommit(ctx, record, "swap expired before processing began")
		return
	}

	// Pre-withdrawal balance check keeps obviously doomed withdrawals off the
	// chain entirely.
	var balance float64
	err = s.withTransientRetry(ctx, record, "balance check", func() error {
		var berr error
		balance, berr = sourceAdapter.GetAccountBalance(ctx, record.SourceAddress)
		return berr
	})
	if err != nil {
		s.rejectBeforeCommit(ctx, record, fmt.Sprintf("balance check failed: %v", err))
		return
	}
	if balance < record.SourceAmount {
		s.rejectBeforeCommit(ctx, record, fmt.Sprintf("insufficient funds: have %f, need %f", balance, record.SourceAmount))
		return
	}

	// Crossing into withdrawing closes the cancellation window: a concurrent
	// CancelSwap now loses the version race.
	if !s.transitionOrStop(ctx, record, domain.StateWithdrawing, nil) {
		return
	}

	var result domain.TransactionResult
	err = s.withTransientRetry(ctx, record, "withdraw", func() error {
		var werr error
		result, werr = sourceAdapter.Withdraw(ctx, record.SourceAmount, record.SourceAddress, signingKey)
		return werr
	})
	if err != nil {
		s.rejectBeforeCommit(ctx, record, fmt.Sprintf("withdrawal failed: %v", err))
		return
	}

	if !s.transitionOrStop(ctx, record, domain.StateWithdrawing, func(r *domain.SwapRecord) {
		r.WithdrawTxRef = result.Reference
	}) {
		return
	}
	log.Printf("runSwap: swap %s withdrawal submitted, ref %s", record.ID, result.Reference)

	s.awaitWithdrawal(ctx, record)
}

// awaitWithdrawal waits for the withdrawal to confirm and continues the saga.
// Shared by the fresh-run and resumption paths.
func (s *Service) awaitWithdrawal(ctx context.Context, record *domain.SwapRecord) {
	status, err := s.tracker.Await(ctx, record.SourceChain, record.WithdrawTxRef, s.cfg.WithdrawConfirmTimeout)
	switch {
	case errors.Is(err, tracker.ErrConfirmTimeout):
		// Still pending on-chain. Leave the record in withdrawing; the next
		// resumption pass picks it up and re-checks the same reference.
		log.Printf("runSwap: swap %s withdrawal %s unconfirmed, leaving for resumption", record.ID, record.WithdrawTxRef)
		return
	case err != nil:
		log.Printf("runSwap: swap %s withdrawal status wait failed, leaving for resumption: %v", record.ID, err)
		return
	}

	switch status {
	case domain.TxStatusFailed:
		// Rejected on-chain: no funds moved, safe to fail cleanly.
		s.rejectBeforeCommit(ctx, record, fmt.Sprintf("withdrawal %s rejected on %s", record.WithdrawTxRef, record.SourceChain))
		return
	case domain.TxStatusCompleted:
		// Commit point crossed.
	default:
		return
	}

	if !s.transitionOrStop(ctx, record, domain.StateWithdrawn, func(r *domain.SwapRecord) {
		now := time.Now().UTC()
		r.WithdrawnAt = &now
	}) {
		return
	}
	log.Printf("runSwap: swap %s withdrawal confirmed, commit point crossed", record.ID)

	s.lockRateAndDeposit(ctx, record)
}

// lockRateAndDeposit runs the post-commit half of the saga: observe the rate
// exactly once, then deliver the deposit. Any unrecoverable failure past this
// point triggers compensation instead of plain failure.
func (s *Service) lockRateAndDeposit(ctx context.Context, record *domain.SwapRecord) {
	if record.State == domain.StateWithdrawn {
		quote, err := s.lockRate(ctx, record)
		if err != nil {
			s.markDepositFailed(ctx, record, fmt.Sprintf("rate lock failed: %v", err))
			s.rollback(ctx, record, record.LastError)
			return
		}

		if !s.transitionOrStop(ctx, record, domain.StateRateLocked, func(r *domain.SwapRecord) {
			observedAt := quote.ObservedAt
			r.ExchangeRate = quote.Rate
			r.RateObservedAt = &observedAt
			r.DestAmount = roundAmount(r.SourceAmount * quote.Rate)
		}) {
			return
		}
		log.Printf("runSwap: swap %s rate locked at %f via %s, dest amount %f", record.ID, quote.Rate, quote.Provider, record.DestAmount)
	}

	if record.State == domain.StateRateLocked {
		if !s.transitionOrStop(ctx, record, domain.StateDepositing, nil) {
			return
		}
	}

	if record.DepositTxRef == "" {
		destAdapter, err := s.registry.Get(record.DestChain)
		if err != nil {
			s.markDepositFailed(ctx, record, fmt.Sprintf("destination chain unavailable: %v", err))
			s.rollback(ctx, record, record.LastError)
			return
		}

		var result domain.TransactionResult
		err = s.withTransientRetry(ctx, record, "deposit", func() error {
			// Treasury payouts on one chain are serialized so concurrent swaps
			// cannot race the treasury account's nonce or sequence number.
			lock := s.registry.TreasuryLock(record.DestChain)
			lock.Lock()
			defer lock.Unlock()

			var derr error
			result, derr = destAdapter.Deposit(ctx, record.DestAmount, record.DestAddress)
			return derr
		})
		if err != nil {
			s.markDepositFailed(ctx, record, fmt.Sprintf("deposit failed: %v", err))
			s.rollback(ctx, record, record.LastError)
			return
		}

		if !s.transitionOrStop(ctx, record, domain.StateDepositing, func(r *domain.SwapRecord) {
			r.DepositTxRef = result.Reference
		}) {
			return
		}
		log.Printf("runSwap: swap %s deposit submitted, ref %s", record.ID, result.Reference)
	}

	status, err := s.tracker.Await(ctx, record.DestChain, record.DepositTxRef, s.cfg.DepositConfirmTimeout)
	switch {
	case errors.Is(err, tracker.ErrConfirmTimeout):
		s.markDepositFailed(ctx, record, fmt.Sprintf("deposit %s unconfirmed on %s after %s", record.DepositTxRef, record.DestChain, s.cfg.DepositConfirmTimeout))
		s.rollback(ctx, record, record.LastError)
		return
	case err != nil:
		log.Printf("runSwap: swap %s deposit status wait failed, leaving for resumption: %v", record.ID, err)
		return
	}

	switch status {
	case domain.TxStatusFailed:
		s.markDepositFailed(ctx, record, fmt.Sprintf("deposit %s rejected on %s", record.DepositTxRef, record.DestChain))
		s.rollback(ctx, record, record.LastError)
		return
	case domain.TxStatusCompleted:
	default:
		return
	}

	if !s.transitionOrStop(ctx, record, domain.StateCompleted, func(r *domain.SwapRecord) {
		now := time.Now().UTC()
		r.DepositedAt = &now
		r.CompletedAt = &now
		r.LastError = ""
	}) {
		return
	}
	log.Printf("runSwap: swap %s completed, delivered %f on %s", record.ID, record.DestAmount, record.DestChain)
	s.publishLifecycle(ctx, record, rabbitmq.RoutingKeySwapCompleted)
}

// lockRate fetches the quote with the transient-retry budget applied.
func (s *Service) lockRate(ctx context.Context, record *domain.SwapRecord) (rates.Quote, error) {
	var quote rates.Quote
	err := s.withTransientRetryAny(ctx, record, "rate lock", func() error {
		q, qerr := s.rates.GetRate(ctx, s.assetSymbol(record.SourceChain), s.assetSymbol(record.DestChain))
		if qerr != nil {
			return qerr
		}
		quote = q
		return nil
	})
	return quote, err
}

// rollback issues the compensating refund on the source chain. It submits at
// most one refund per swap: if a reference was already recorded, only its
// confirmation is awaited.
func (s *Service) rollback(ctx context.Context, record *domain.SwapRecord, reason string) {
	if record.State != domain.StateRollingBack {
		if !s.transitionOrStop(ctx, record, domain.StateRollingBack, func(r *domain.SwapRecord) {
			r.LastError = reason
			now := time.Now().UTC()
			r.FailedAt = &now
		}) {
			return
		}
	}
	log.Printf("rollback: swap %s compensating on %s: %s", record.ID, record.SourceChain, reason)

	if record.RollbackTxRef == "" {
		sourceAdapter, err := s.registry.Get(record.SourceChain)
		if err != nil {
			s.markRollbackFailed(ctx, record, fmt.Sprintf("source chain unavailable for refund: %v", err))
			return
		}

		var result domain.TransactionResult
		err = s.withTransientRetry(ctx, record, "rollback deposit", func() error {
			lock := s.registry.TreasuryLock(record.SourceChain)
			lock.Lock()
			defer lock.Unlock()

			var rerr error
			result, rerr = sourceAdapter.Deposit(ctx, record.SourceAmount, record.SourceAddress)
			return rerr
		})
		if err != nil {
			s.markRollbackFailed(ctx, record, fmt.Sprintf("refund submission failed: %v", err))
			return
		}

		if !s.transitionOrStop(ctx, record, domain.StateRollingBack, func(r *domain.SwapRecord) {
			r.RollbackTxRef = result.Reference
		}) {
			return
		}
		log.Printf("rollback: swap %s refund submitted, ref %s", record.ID, result.Reference)
	}

	status, err := s.tracker.Await(ctx, record.SourceChain, record.RollbackTxRef, s.cfg.RollbackConfirmTimeout)
	if err != nil || status != domain.TxStatusCompleted {
		s.markRollbackFailed(ctx, record, fmt.Sprintf("refund %s could not be confirmed on %s: status=%s err=%v",
			record.RollbackTxRef, record.SourceChain, status, err))
		return
	}

	if !s.transitionOrStop(ctx, record, domain.StateRolledBack, func(r *domain.SwapRecord) {
		now := time.Now().UTC()
		r.RolledBackAt = &now
	}) {
		return
	}
	log.Printf("rollback: swap %s refunded %f to %s", record.ID, record.SourceAmount, record.SourceAddress)
	s.publishLifecycle(ctx, record, rabbitmq.RoutingKeySwapRolledBack)
}

// rejectBeforeCommit fails a swap that has not moved any funds.
func (s *Service) rejectBeforeCommit(ctx context.Context, record *domain.SwapRecord, reason string) {
	log.Printf("runSwap: swap %s rejected before commit point: %s", record.ID, reason)
	if !s.transitionOrStop(ctx, record, domain.StateWithdrawFailed, func(r *domain.SwapRecord) {
		r.LastError = reason
		now := time.Now().UTC()
		r.FailedAt = &now
	}) {
		return
	}
	s.publishLifecycle(ctx, record, rabbitmq.RoutingKeySwapRejected)
}

func (s *Service) markDepositFailed(ctx context.Context, record *domain.SwapRecord, reason string) {
	s.transitionOrStop(ctx, record, domain.StateDepositFailed, func(r *domain.SwapRecord) {
		r.LastError = reason
	})
}

// markRollbackFailed parks the swap for manual reconciliation and notifies the
// alert sink with everything an operator needs. Alert delivery failure is
// logged, never fatal: the durable record is the source of truth.
func (s *Service) markRollbackFailed(ctx context.Context, record *domain.SwapRecord, reason string) {
	log.Printf("CRITICAL: swap %s rollback failed, manual reconciliation required: %s", record.ID, reason)
	if !s.transitionOrStop(ctx, record, domain.StateRollbackFailed, func(r *domain.SwapRecord) {
		r.LastError = reason
	}) {
		return
	}

	alert := rabbitmq.RollbackFailedEvent{
		SwapID:        record.ID,
		SourceChain:   record.SourceChain,
		DestChain:     record.DestChain,
		SourceAddress: record.SourceAddress,
		DestAddress:   record.DestAddress,
		SourceAmount:  record.SourceAmount,
		DestAmount:    record.DestAmount,
		WithdrawTxRef: record.WithdrawTxRef,
		DepositTxRef:  record.DepositTxRef,
		RollbackTxRef: record.RollbackTxRef,
		ErrorDetail:   reason,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.producer.PublishRollbackFailedAlert(ctx, alert); err != nil {
		log.Printf("CRITICAL: rollback-failed alert publish failed for swap %s: %v", record.ID, err)
	}
}

// transitionOrStop applies one CAS transition. On a version conflict the
// record is reloaded: if another actor moved it to a terminal state (a cancel,
// or a duplicate worker finishing first) the saga stops; otherwise the
// transition is retried once against the fresh version.
func (s *Service) transitionOrStop(ctx context.Context, record *domain.SwapRecord, state domain.SwapState, mutate func(*domain.SwapRecord)) bool {
	for attempt := 0; attempt < 2; attempt++ {
		record.State = state
		if mutate != nil {
			mutate(record)
		}
		record.UpdatedAt = time.Now().UTC()

		err := s.repo.CompareAndSwap(ctx, record, record.Version)
		if err == nil {
			return true
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			log.Printf("runSwap: swap %s transition to %s failed: %v", record.ID, state, err)
			return false
		}

		fresh, loadErr := s.repo.GetSwap(ctx, record.ID)
		if loadErr != nil {
			log.Printf("runSwap: swap %s reload after version conflict failed: %v", record.ID, loadErr)
			return false
		}
		if fresh.State.IsTerminal() {
			log.Printf("runSwap: swap %s already %s, stopping worker", record.ID, fresh.State)
			return false
		}
		*record = *fresh
	}
	log.Printf("runSwap: swap %s lost transition race to %s twice, stopping worker", record.ID, state)
	return false
}

// withTransientRetry retries fn while it fails with a transient chain error,
// up to the configured budget with doubling backoff. Terminal errors are
// returned immediately.
func (s *Service) withTransientRetry(ctx context.Context, record *domain.SwapRecord, op string, fn func() error) error {
	return s.retryLoop(ctx, record, op, fn, chains.IsTransient)
}

// withTransientRetryAny treats every error as retryable. Used for rate
// lookups, where provider fallback already filtered terminal conditions.
func (s *Service) withTransientRetryAny(ctx context.Context, record *domain.SwapRecord, op string, fn func() error) error {
	return s.retryLoop(ctx, record, op, fn, func(error) bool { return true })
}

func (s *Service) retryLoop(ctx context.Context, record *domain.SwapRecord, op string, fn func() error, retryable func(error) bool) error {
	backoff := s.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt <= s.cfg.MaxTransientRetries; attempt++ {
		if attempt > 0 {
			record.RetryCount++
			log.Printf("runSwap: swap %s retrying %s (attempt %d/%d): %v", record.ID, op, attempt, s.cfg.MaxTransientRetries, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}
