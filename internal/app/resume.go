/**
 * @description
 * Startup resumption for interrupted sagas. Every non-terminal record is
 * picked up where its durable state says it stopped. The guiding rule: never
 * resubmit a transaction whose outcome is unknown. A recorded reference is
 * re-checked through the tracker; a missing reference means the submission
 * never happened, except for withdrawals, whose signing credential does not
 * survive a restart.
 */

package app

import (
	"context"
	"fmt"
	"log"

	"github.com/chainbridge/bridge-service/internal/domain"
)

// ResumeInFlightSwaps loads every interrupted swap and restarts its saga
// worker. Called once at startup, after the chain adapters are registered.
func (s *Service) ResumeInFlightSwaps(ctx context.Context) error {
	records, err := s.repo.ListInFlightSwaps(ctx)
	if err != nil {
		return fmt.Errorf("failed to list in-flight swaps: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	log.Printf("ResumeInFlightSwaps: resuming %d interrupted swaps", len(records))
	for i := range records {
		record := records[i]
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			s.resumeSwap(&record)
		}()
	}
	return nil
}

func (s *Service) resumeSwap(record *domain.SwapRecord) {
	ctx := context.Background()
	log.Printf("resumeSwap: swap %s resuming from state %s", record.ID, record.State)

	switch record.State {
	case domain.StateRequested, domain.StateValidating:
		// Interrupted before anything was submitted. The signing credential
		// is gone, so the swap cannot proceed; fail it cleanly. No funds
		// moved, the caller can resubmit under a new idempotency key.
		s.rejectBeforeCommit(ctx, record, "interrupted before withdrawal; no funds moved, please resubmit")

	case domain.StateWithdrawing:
		if record.WithdrawTxRef == "" {
			// The reference is recorded in the same breath as a successful
			// submission, so its absence means the withdrawal was never
			// accepted by the chain.
			s.rejectBeforeCommit(ctx, record, "interrupted before withdrawal was submitted; no funds moved, please resubmit")
			return
		}
		// The withdrawal is on-chain; check its fate rather than resubmit.
		s.awaitWithdrawal(ctx, record)

	case domain.StateWithdrawn, domain.StateRateLocked, domain.StateDepositing:
		// Post-commit: the deliver-or-refund obligation stands. The
		// credential is not needed on this half, so the saga continues
		// normally. An already-recorded deposit reference is awaited, not
		// resubmitted.
		s.lockRateAndDeposit(ctx, record)

	case domain.StateDepositFailed:
		s.rollback(ctx, record, record.LastError)

	case domain.StateRollingBack:
		s.rollback(ctx, record, record.LastError)

	default:
		log.Printf("resumeSwap: swap %s in unexpected state %s, skipping", record.ID, record.State)
	}
}
