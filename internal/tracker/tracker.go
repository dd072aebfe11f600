/**
 * @description
 * Transaction Status Tracker. Wraps each chain adapter's GetTransactionStatus
 * behind one bounded exponential-backoff poll loop so every chain's native
 * blocking/finality behavior is normalized under a single timeout and retry
 * policy owned by the orchestrator.
 *
 * Used in two places, identically: right after a transaction is submitted, and
 * during crash-resumption before deciding whether a step must be resubmitted.
 */

package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/chainbridge/bridge-service/internal/chains"
	"github.com/chainbridge/bridge-service/internal/domain"
)

// ErrConfirmTimeout is returned when a transaction is still unconfirmed at the
// end of the per-call timeout. The accompanying status is Pending, never
// Failed: only an explicit on-chain rejection maps to Failed.
var ErrConfirmTimeout = errors.New("confirmation wait timed out")

// Config bounds the poll loop.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultConfig matches the orchestrator's defaults: 2s initial, doubling,
// capped at 30s between polls.
func DefaultConfig() Config {
	return Config{
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// Tracker polls chain adapters for transaction confirmation.
type Tracker struct {
	registry *chains.Registry
	cfg      Config
}

// New builds a tracker over the adapter registry.
func New(registry *chains.Registry, cfg Config) *Tracker {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultConfig().InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	return &Tracker{registry: registry, cfg: cfg}
}

// Check performs a single status query without waiting.
func (t *Tracker) Check(ctx context.Context, chainID, txRef string) (domain.TransactionStatus, error) {
	adapter, err := t.registry.Get(chainID)
	if err != nil {
		return domain.TxStatusNotFound, err
	}
	return adapter.GetTransactionStatus(ctx, txRef)
}

// Await polls until the transaction reaches a terminal status or timeout
// elapses. Pending and NotFound keep the loop going; transient adapter errors
// are absorbed and retried on the same backoff schedule. On timeout the
// returned status is Pending alongside ErrConfirmTimeout.
func (t *Tracker) Await(ctx context.Context, chainID, txRef string, timeout time.Duration) (domain.TransactionStatus, error) {
	adapter, err := t.registry.Get(chainID)
	if err != nil {
		return domain.TxStatusNotFound, err
	}

	deadline := time.Now().Add(timeout)
	interval := t.cfg.InitialInterval

	for {
		status, err := adapter.GetTransactionStatus(ctx, txRef)
		if err != nil && !chains.IsTransient(err) {
			return status, err
		}
		if err != nil {
			log.Printf("level=warn component=tracker msg=\"status query failed; will retry\" chain=%s tx_ref=%s err=%v",
				chainID, txRef, err)
		}

		switch status {
		case domain.TxStatusCompleted, domain.TxStatusFailed:
			return status, nil
		}

		if time.Now().Add(interval).After(deadline) {
			return domain.TxStatusPending, fmt.Errorf("%w: %s on %s still unconfirmed after %s", ErrConfirmTimeout, txRef, chainID, timeout)
		}

		select {
		case <-ctx.Done():
			return domain.TxStatusPending, ctx.Err()
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * t.cfg.Multiplier)
		if interval > t.cfg.MaxInterval {
			interval = t.cfg.MaxInterval
		}
	}
}
