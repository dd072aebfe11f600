/**
 * @description
 * This file contains the core business logic for the bridge-service. The
 * `Service` struct orchestrates cross-chain swaps, coordinating between the
 * swap-record repository, the chain adapter registry, the transaction status
 * tracker, the exchange-rate service, and the message broker.
 *
 * Key features:
 * - Implements the main use cases: swap submission, status queries, cancellation.
 * - Deterministic swap ids derived from caller idempotency keys, so replays
 *   attach to the existing record instead of starting a second saga.
 * - Rejects invalid requests before any record or chain call is made.
 *
 * @dependencies
 * - github.com/google/uuid: For deterministic swap id derivation.
 * - internal/domain, internal/store, internal/chains, internal/rates,
 *   internal/tracker: domain models and the saga's collaborators.
 * - pkg/rabbitmq: For lifecycle events and the rollback-failed alert sink.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chainbridge/bridge-service/internal/chains"
	"github.com/chainbridge/bridge-service/internal/domain"
	"github.com/chainbridge/bridge-service/internal/rates"
	"github.com/chainbridge/bridge-service/internal/store"
	"github.com/chainbridge/bridge-service/internal/tracker"
	"github.com/chainbridge/bridge-service/pkg/rabbitmq"
)

var (
	// ErrNotCancellable is returned when a cancellation arrives after the swap
	// has crossed the withdrawal commit point or already finished.
	ErrNotCancellable = errors.New("swap can no longer be cancelled")
	// ErrRateLimited is returned when the caller exceeded the submission rate
	// limit for a source address.
	ErrRateLimited = errors.New("swap submission rate limit exceeded")
)

// swapIDNamespace seeds the deterministic UUIDv5 derivation of swap ids from
// idempotency keys. Changing it would break replay detection across deploys.
var swapIDNamespace = uuid.MustParse("7a1c3e52-9d4b-4f6a-8e21-bc5a90d14f37")

// ValidationError describes a request rejected before any side effects.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RateLimiter is the distributed submission limiter contract.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Config tunes the saga's timeouts and retry budget.
type Config struct {
	WithdrawConfirmTimeout time.Duration
	DepositConfirmTimeout  time.Duration
	RollbackConfirmTimeout time.Duration
	MaxTransientRetries    int
	RetryBackoff           time.Duration
	SwapExpiry             time.Duration
	SubmitRateLimit        int
	SubmitRateWindow       time.Duration
	// AssetSymbols maps chain ids to the ticker used for rate lookups.
	// Unmapped chains fall back to the upper-cased chain id.
	AssetSymbols map[string]string
}

func (c Config) withDefaults() Config {
	if c.WithdrawConfirmTimeout <= 0 {
		c.WithdrawConfirmTimeout = 10 * time.Minute
	}
	if c.DepositConfirmTimeout <= 0 {
		c.DepositConfirmTimeout = 5 * time.Minute
	}
	if c.RollbackConfirmTimeout <= 0 {
		c.RollbackConfirmTimeout = 5 * time.Minute
	}
	if c.MaxTransientRetries <= 0 {
		c.MaxTransientRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.SwapExpiry <= 0 {
		c.SwapExpiry = 30 * time.Minute
	}
	return c
}

// Service provides the core business logic for cross-chain swaps.
type Service struct {
	repo     store.Repository
	registry *chains.Registry
	tracker  *tracker.Tracker
	rates    *rates.Service
	producer rabbitmq.Publisher
	limiter  RateLimiter
	cfg      Config

	workers sync.WaitGroup
}

// NewService creates a new bridge orchestration service instance. limiter may
// be nil, in which case submission rate limiting is disabled.
func NewService(repo store.Repository, registry *chains.Registry, tr *tracker.Tracker, rateSvc *rates.Service, producer rabbitmq.Publisher, limiter RateLimiter, cfg Config) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		tracker:  tr,
		rates:    rateSvc,
		producer: producer,
		limiter:  limiter,
		cfg:      cfg.withDefaults(),
	}
}

// Wait blocks until every in-flight saga worker has returned. Used by the
// graceful shutdown path and by tests.
func (s *Service) Wait() {
	s.workers.Wait()
}

// SwapIDForKey derives the deterministic swap id for an idempotency key.
func SwapIDForKey(idempotencyKey string) uuid.UUID {
	return uuid.NewSHA1(swapIDNamespace, []byte(idempotencyKey))
}

// SubmitSwap validates the request, creates the durable swap record and starts
// the saga worker. A replayed idempotency key returns the existing record
// without starting a second saga. Rejected requests have zero side effects:
// no record is written and no chain is touched beyond read-only validation.
func (s *Service) SubmitSwap(ctx context.Context, req domain.SwapRequest) (*domain.SwapRecord, error) {
	req.SourceChain = strings.ToLower(strings.TrimSpace(req.SourceChain))
	req.DestChain = strings.ToLower(strings.TrimSpace(req.DestChain))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if err := s.validateSwapRequest(ctx, req); err != nil {
		return nil, err
	}

	if s.limiter != nil && s.cfg.SubmitRateLimit > 0 {
		count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, "swap_submit", req.SourceAddress, s.cfg.SubmitRateLimit, s.cfg.SubmitRateWindow)
		if err != nil {
			log.Printf("SubmitSwap: rate limiter unavailable, allowing request: %v", err)
		} else if count > s.cfg.SubmitRateLimit {
			return nil, fmt.Errorf("%w: retry after %ds", ErrRateLimited, retryAfter)
		}
	}

	now := time.Now().UTC()
	record := &domain.SwapRecord{
		ID:             SwapIDForKey(req.IdempotencyKey),
		IdempotencyKey: req.IdempotencyKey,
		State:          domain.StateRequested,
		SourceChain:    req.SourceChain,
		DestChain:      req.DestChain,
		SourceAddress:  req.SourceAddress,
		DestAddress:    req.DestAddress,
		SourceAmount:   roundAmount(req.Amount),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.SwapExpiry),
	}

	if err := s.repo.CreateSwap(ctx, record); err != nil {
		if errors.Is(err, store.ErrDuplicateSwap) {
			existing, loadErr := s.repo.GetSwap(ctx, record.ID)
			if loadErr != nil {
				return nil, fmt.Errorf("failed to load replayed swap: %w", loadErr)
			}
			log.Printf("SubmitSwap: idempotent replay for key %q, returning swap %s in state %s", req.IdempotencyKey, existing.ID, existing.State)
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create swap record: %w", err)
	}

	log.Printf("SubmitSwap: accepted swap %s %s->%s amount %f", record.ID, record.SourceChain, record.DestChain, record.SourceAmount)

	s.workers.Add(1)
	go func(rec domain.SwapRecord, signingKey string) {
		defer s.workers.Done()
		s.runSwap(&rec, signingKey)
	}(*record, req.SourceKeyRef)

	return record, nil
}

// validateSwapRequest performs every read-only check. It must not write
// anything anywhere: a request that fails here leaves no trace.
func (s *Service) validateSwapRequest(ctx context.Context, req domain.SwapRequest) error {
	if req.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key", Reason: "must not be empty"}
	}
	if req.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if req.SourceChain == "" || req.DestChain == "" {
		return &ValidationError{Field: "chain", Reason: "source and destination chains are required"}
	}
	if req.SourceChain == req.DestChain {
		return &ValidationError{Field: "chain", Reason: "source and destination chains must differ"}
	}
	if req.SourceKeyRef == "" {
		return &ValidationError{Field: "source_key", Reason: "signing credential is required"}
	}

	sourceAdapter, err := s.registry.Get(req.SourceChain)
	if err != nil {
		return &ValidationError{Field: "source_chain", Reason: fmt.Sprintf("unsupported chain %q", req.SourceChain)}
	}
	destAdapter, err := s.registry.Get(req.DestChain)
	if err != nil {
		return &ValidationError{Field: "dest_chain", Reason: fmt.Sprintf("unsupported chain %q", req.DestChain)}
	}

	if err := sourceAdapter.ValidateAddress(req.SourceAddress); err != nil {
		return &ValidationError{Field: "source_address", Reason: err.Error()}
	}
	if err := destAdapter.ValidateAddress(req.DestAddress); err != nil {
		return &ValidationError{Field: "dest_address", Reason: err.Error()}
	}
	return nil
}

// GetSwapStatus returns the persisted record together with best-effort live
// transaction statuses for any recorded references.
func (s *Service) GetSwapStatus(ctx context.Context, swapID uuid.UUID) (*domain.SwapStatusResponse, error) {
	record, err := s.repo.GetSwap(ctx, swapID)
	if err != nil {
		return nil, err
	}

	resp := &domain.SwapStatusResponse{
		SwapID:        record.ID,
		State:         record.State,
		Outcome:       domain.OutcomeForState(record.State),
		SourceChain:   record.SourceChain,
		DestChain:     record.DestChain,
		SourceAmount:  record.SourceAmount,
		DestAmount:    record.DestAmount,
		ExchangeRate:  record.ExchangeRate,
		WithdrawTxRef: record.WithdrawTxRef,
		DepositTxRef:  record.DepositTxRef,
		RollbackTxRef: record.RollbackTxRef,
		LastError:     record.LastError,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}

	// Live statuses are advisory; a failed lookup leaves the field empty.
	if record.WithdrawTxRef != "" {
		if status, err := s.tracker.Check(ctx, record.SourceChain, record.WithdrawTxRef); err == nil {
			resp.WithdrawStatus = status
		}
	}
	if record.DepositTxRef != "" {
		if status, err := s.tracker.Check(ctx, record.DestChain, record.DepositTxRef); err == nil {
			resp.DepositStatus = status
		}
	}
	return resp, nil
}

// CancelSwap cancels a swap that has not yet crossed the withdrawal commit
// point. Once the worker has moved the record to withdrawing, the version
// check makes the cancellation lose and ErrNotCancellable is returned.
func (s *Service) CancelSwap(ctx context.Context, swapID uuid.UUID) (*domain.SwapRecord, error) {
	record, err := s.repo.GetSwap(ctx, swapID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		if record.State != domain.StateRequested && record.State != domain.StateValidating {
			return nil, fmt.Errorf("%w: swap %s is %s", ErrNotCancellable, swapID, record.State)
		}

		record.State = domain.StateCancelled
		record.LastError = "cancelled by caller"
		now := time.Now().UTC()
		record.FailedAt = &now
		record.UpdatedAt = now

		err = s.repo.CompareAndSwap(ctx, record, record.Version)
		if err == nil {
			log.Printf("CancelSwap: swap %s cancelled before commit point", swapID)
			s.publishLifecycle(ctx, record, rabbitmq.RoutingKeySwapRejected)
			return record, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, fmt.Errorf("failed to cancel swap: %w", err)
		}

		// Lost the race against the worker; reload and re-check the state.
		record, err = s.repo.GetSwap(ctx, swapID)
		if err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: swap %s is %s", ErrNotCancellable, swapID, record.State)
}

// GetExchangeRate exposes the current source->destination quote without
// creating a swap.
func (s *Service) GetExchangeRate(ctx context.Context, sourceChain, destChain string) (rates.Quote, error) {
	sourceChain = strings.ToLower(strings.TrimSpace(sourceChain))
	destChain = strings.ToLower(strings.TrimSpace(destChain))
	if _, err := s.registry.Get(sourceChain); err != nil {
		return rates.Quote{}, err
	}
	if _, err := s.registry.Get(destChain); err != nil {
		return rates.Quote{}, err
	}
	return s.rates.GetRate(ctx, s.assetSymbol(sourceChain), s.assetSymbol(destChain))
}

// SupportedChains returns the registered chain ids, sorted.
func (s *Service) SupportedChains() []string {
	return s.registry.ChainIDs()
}

func (s *Service) assetSymbol(chainID string) string {
	if symbol, ok := s.cfg.AssetSymbols[chainID]; ok {
		return symbol
	}
	return strings.ToUpper(chainID)
}

func (s *Service) publishLifecycle(ctx context.Context, record *domain.SwapRecord, routingKey string) {
	event := rabbitmq.SwapLifecycleEvent{
		SwapID:       record.ID,
		State:        string(record.State),
		Outcome:      string(domain.OutcomeForState(record.State)),
		SourceChain:  record.SourceChain,
		DestChain:    record.DestChain,
		SourceAmount: record.SourceAmount,
		DestAmount:   record.DestAmount,
		Timestamp:    time.Now().UTC(),
	}
	if err := s.producer.PublishSwapLifecycleEvent(ctx, routingKey, event); err != nil {
		log.Printf("WARN: lifecycle event publish failed for swap %s: %v", record.ID, err)
	}
}

// roundAmount normalizes amounts to 8 decimal places, the finest granularity
// shared by the supported chains.
func roundAmount(amount float64) float64 {
	return math.Round(amount*1e8) / 1e8
}
