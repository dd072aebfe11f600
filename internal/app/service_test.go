package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chainbridge/bridge-service/internal/chains"
	"github.com/chainbridge/bridge-service/internal/domain"
	"github.com/chainbridge/bridge-service/internal/rates"
	"github.com/chainbridge/bridge-service/internal/store"
	"github.com/chainbridge/bridge-service/internal/tracker"
	"github.com/chainbridge/bridge-service/pkg/rabbitmq"
)

// memRepo is an in-memory Repository with the same CAS semantics as the
// Postgres implementation.
type memRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]domain.SwapRecord
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[uuid.UUID]domain.SwapRecord)}
}

func (m *memRepo) CreateSwap(ctx context.Context, record *domain.SwapRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return store.ErrDuplicateSwap
	}
	record.Version = 1
	m.records[record.ID] = *record
	return nil
}

func (m *memRepo) GetSwap(ctx context.Context, swapID uuid.UUID) (*domain.SwapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[swapID]
	if !ok {
		return nil, store.ErrSwapNotFound
	}
	copied := record
	return &copied, nil
}

func (m *memRepo) GetSwapByIdempotencyKey(ctx context.Context, key string) (*domain.SwapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.records {
		if record.IdempotencyKey == key {
			copied := record
			return &copied, nil
		}
	}
	return nil, store.ErrSwapNotFound
}

func (m *memRepo) CompareAndSwap(ctx context.Context, record *domain.SwapRecord, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[record.ID]
	if !ok {
		return store.ErrSwapNotFound
	}
	if stored.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	record.Version = expectedVersion + 1
	m.records[record.ID] = *record
	return nil
}

func (m *memRepo) ListInFlightSwaps(ctx context.Context) ([]domain.SwapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SwapRecord
	for _, record := range m.records {
		if !record.State.IsTerminal() {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *memRepo) ListSwapsByState(ctx context.Context, state domain.SwapState) ([]domain.SwapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SwapRecord
	for _, record := range m.records {
		if record.State == state {
			out = append(out, record)
		}
	}
	return out, nil
}

// fakeAdapter simulates a chain: submissions mint references and record their
// eventual status; the tracker then observes that status.
type fakeAdapter struct {
	chains.Adapter
	id string

	mu            sync.Mutex
	balance       float64
	withdrawErr   error
	depositErr    error
	withdrawFailN int // fail the first N withdrawals with a transient error
	withdrawCalls int
	depositCalls  int
	depositAmts   []float64
	depositAddrs  []string
	// submitStatus is assigned to newly submitted transactions.
	submitStatus domain.TransactionStatus
	statuses     map[string]domain.TransactionStatus
	nextRef      int
}

func newFakeAdapter(id string, balance float64) *fakeAdapter {
	return &fakeAdapter{
		id:           id,
		balance:      balance,
		submitStatus: domain.TxStatusCompleted,
		statuses:     make(map[string]domain.TransactionStatus),
	}
}

func (f *fakeAdapter) ChainID() string { return f.id }

func (f *fakeAdapter) ValidateAddress(address string) error {
	if strings.HasPrefix(address, "bad") {
		return fmt.Errorf("%w: %s", chains.ErrInvalidAddress, address)
	}
	return nil
}

func (f *fakeAdapter) GetAccountBalance(ctx context.Context, address string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeAdapter) Withdraw(ctx context.Context, amount float64, senderAddress, senderPrivateKey string) (domain.TransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawCalls++
	if f.withdrawFailN > 0 {
		f.withdrawFailN--
		return domain.TransactionResult{}, fmt.Errorf("%w: rpc node flapping", chains.ErrChainUnavailable)
	}
	if f.withdrawErr != nil {
		return domain.TransactionResult{}, f.withdrawErr
	}
	f.nextRef++
	ref := fmt.Sprintf("w-%s-%d", f.id, f.nextRef)
	f.statuses[ref] = f.submitStatus
	return domain.TransactionResult{Reference: ref}, nil
}

func (f *fakeAdapter) Deposit(ctx context.Context, amount float64, receiverAddress string) (domain.TransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depositCalls++
	if f.depositErr != nil {
		return domain.TransactionResult{}, f.depositErr
	}
	f.nextRef++
	ref := fmt.Sprintf("d-%s-%d", f.id, f.nextRef)
	f.statuses[ref] = f.submitStatus
	f.depositAmts = append(f.depositAmts, amount)
	f.depositAddrs = append(f.depositAddrs, receiverAddress)
	return domain.TransactionResult{Reference: ref}, nil
}

func (f *fakeAdapter) GetTransactionStatus(ctx context.Context, txRef string) (domain.TransactionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statuses[txRef]; ok {
		return status, nil
	}
	return domain.TxStatusNotFound, nil
}

func (f *fakeAdapter) setStatus(ref string, status domain.TransactionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = status
}

type publishedEvent struct {
	routingKey string
	event      rabbitmq.SwapLifecycleEvent
}

// fakeProducer records everything published.
type fakeProducer struct {
	mu     sync.Mutex
	events []publishedEvent
	alerts []rabbitmq.RollbackFailedEvent
}

func (p *fakeProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *fakeProducer) PublishSwapLifecycleEvent(ctx context.Context, routingKey string, event rabbitmq.SwapLifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{routingKey: routingKey, event: event})
	return nil
}

func (p *fakeProducer) PublishRollbackFailedAlert(ctx context.Context, event rabbitmq.RollbackFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, event)
	return nil
}

func (p *fakeProducer) Close() {}

type fixedRateProvider struct {
	rate float64
	err  error
}

func (p *fixedRateProvider) Name() string { return "fixed" }

func (p *fixedRateProvider) GetRate(ctx context.Context, sourceAsset, destAsset string) (rates.Quote, error) {
	if p.err != nil {
		return rates.Quote{}, p.err
	}
	return rates.Quote{Rate: p.rate, ObservedAt: time.Now(), Provider: "fixed"}, nil
}

// fakeLimiter counts consumptions per window without Redis.
type fakeLimiter struct {
	mu    sync.Mutex
	count int
	err   error
}

func (l *fakeLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, 0, l.err
	}
	l.count++
	return l.count, 30, nil
}

// testEnv wires the orchestrator against in-memory fakes with millisecond
// timeouts.
type testEnv struct {
	svc      *Service
	repo     *memRepo
	source   *fakeAdapter
	dest     *fakeAdapter
	rate     *fixedRateProvider
	producer *fakeProducer
}

func newTestEnv(t *testing.T, rate float64) *testEnv {
	t.Helper()

	source := newFakeAdapter("solana", 100)
	dest := newFakeAdapter("stellar", 1_000_000)

	registry := chains.NewRegistry()
	for _, adapter := range []*fakeAdapter{source, dest} {
		if err := registry.Register(adapter); err != nil {
			t.Fatalf("register %s: %v", adapter.id, err)
		}
	}

	repo := newMemRepo()
	producer := &fakeProducer{}
	trackerCfg := tracker.Config{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}
	rateProvider := &fixedRateProvider{rate: rate}
	rateSvc := rates.NewService(time.Minute, rateProvider)

	cfg := Config{
		WithdrawConfirmTimeout: 50 * time.Millisecond,
		DepositConfirmTimeout:  50 * time.Millisecond,
		RollbackConfirmTimeout: 50 * time.Millisecond,
		MaxTransientRetries:    2,
		RetryBackoff:           time.Millisecond,
		SwapExpiry:             time.Hour,
	}

	svc := NewService(repo, registry, tracker.New(registry, trackerCfg), rateSvc, producer, nil, cfg)
	return &testEnv{svc: svc, repo: repo, source: source, dest: dest, rate: rateProvider, producer: producer}
}

func testRequest(key string) domain.SwapRequest {
	return domain.SwapRequest{
		SourceChain:    "solana",
		DestChain:      "stellar",
		SourceAddress:  "sender-addr",
		SourceKeyRef:   "sender-secret",
		DestAddress:    "receiver-addr",
		Amount:         1.5,
		IdempotencyKey: key,
		RequestedAt:    time.Now().UTC(),
	}
}

func (e *testEnv) waitForTerminal(t *testing.T, swapID uuid.UUID) *domain.SwapRecord {
	t.Helper()
	e.svc.Wait()
	record, err := e.repo.GetSwap(context.Background(), swapID)
	if err != nil {
		t.Fatalf("load swap after workers finished: %v", err)
	}
	return record
}

func TestSubmitSwap_CompletesHappyPath(t *testing.T) {
	env := newTestEnv(t, 10)

	record, err := env.svc.SubmitSwap(context.Background(), testRequest("happy-1"))
	if err != nil {
		t.Fatalf("SubmitSwap: %v", err)
	}

	final := env.waitForTerminal(t, record.ID)
	if final.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %s (last error: %s)", final.State, final.LastError)
	}
	if final.DestAmount != 15.0 {
		t.Fatalf("expected dest amount 15.0 (1.5 x 10), got %f", final.DestAmount)
	}
	if final.WithdrawTxRef == "" || final.DepositTxRef == "" {
		t.Fatalf("expected both references recorded, got withdraw=%q deposit=%q", final.WithdrawTxRef, final.DepositTxRef)
	}
	if final.WithdrawTxRef == final.DepositTxRef {
		t.Fatal("withdraw and deposit must be distinct transactions")
	}
	if env.source.withdrawCalls != 1 {
		t.Fatalf("expected exactly one withdrawal, got %d", env.source.withdrawCalls)
	}
	if env.dest.depositCalls != 1 {
		t.Fatalf("expected exactly one deposit, got %d", env.dest.depositCalls)
	}
	if env.dest.depositAmts[0] != 15.0 {
		t.Fatalf("expected delivered amount 15.0, got %f", env.dest.depositAmts[0])
	}

	env.producer.mu.Lock()
	defer env.producer.mu.Unlock()
	if len(env.producer.events) != 1 || env.producer.events[0].routingKey != rabbitmq.RoutingKeySwapCompleted {
		t.Fatalf("expected one swap.completed event, got %+v", env.producer.events)
	}
}

func TestSubmitSwap_DepositRejectionRefundsExactlyOnce(t *testing.T) {
	env := newTestEnv(t, 10)
	env.dest.depositErr = fmt.Errorf("%w: destination account frozen", chains.ErrChainRejected)

	record, err := env.svc.SubmitSwap(context.Background(), testRequest("reject-1"))
	if err != nil {
		t.Fatalf("SubmitSwap: %v", err)
	}

	final := env.waitForTerminal(t, record.ID)
	if final.State != domain.StateRolledBack {
		t.Fatalf("expected rolled_back, got %s (last error: %s)", final.State, final.LastError)
	}
	if final.RollbackTxRef == "" {
		t.Fatal("expected the compensating refund reference to be recorded")
	}

	// Exactly one compensating deposit, on the source chain, for the original
	// withdrawn amount, back to the original sender.
	if env.source.depositCalls != 1 {
		t.Fatalf("expected exactly one refund on source chain, got %d", env.source.depositCalls)
	}
	if env.source.depositAmts[0] != 1.5 {
		t.Fatalf("expected refund of 1.5, got %f", env.source.depositAmts[0])
	}
	if env.source.depositAddrs[0] != "sender-addr" {
		t.Fatalf("expected refund to sender-addr, got %s", env.source.depositAddrs[0])
	}

	env.producer.mu.Lock()
	defer env.producer.mu.Unlock()
	if len(env.producer.events) != 1 || env.producer.events[0].routingKey != rabbitmq.RoutingKeySwapRolledBack {
		t.Fatalf("expected one swap.rolled_back event, got %+v", env.producer.events)
	}
}

func TestSubmitSwap_InsufficientFundsRejectsWithZeroSideEffects(t *testing.T) {
	env := newTestEnv(t, 10)
	env.source.balance = 0.5 // less than the requested 1.5

	record, err := env.svc.SubmitSwap(context.Background(), testRequest("poor-1"))
	if err != nil {
		t.Fatalf("SubmitSwap: %v", err)
	}

	final := env.waitForTerminal(t, record.ID)
	if final.State != domain.StateWithdrawFailed {
		t.Fatalf("expected withdraw_failed, got %s", final.State)
	}
	if domain.OutcomeForState(final.State) != domain.OutcomeRejected {
		t.Fatalf("expected rejected outcome, got %s", domain.OutcomeForState(final.State))
	}
	if env.source.withdrawCalls != 0 {
		t.Fatalf("expected no withdrawal submitted, got %d", env.source.withdrawCalls)
	}
	if env.dest.depositCalls != 0 || env.source.depositCalls != 0 {
		t.Fatal("a pre-commit rejection must never produce deposits")
	}
}

func TestSubmitSwap_OnChainWithdrawalRejectionIsClean(t *testing.T) {
	env := newTestEnv(t, 10)
	env.source.withdrawErr = fmt.Errorf("%w: not enough lamports", chains.ErrInsufficientFunds)

	record, err := env.svc.SubmitSwap(context.Background(), testRequest("poor-2"))
	if err != nil {
		t.Fatalf("SubmitSwap: %v", err)
	}

	final := env.waitForTerminal(t, record.ID)
	if final.State != domain.StateWithdrawFailed {
		t.Fatalf("expected withdraw_failed, got %s", final.State)
	}
	if env.dest.depositCalls != 0 {
		t.Fatalf("expected zero deposits after withdrawal rejection, got %d", env.dest.depositCalls)
	}
}

func TestSubmitSwap_ValidationLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t, 10)

	tests := []struct {
		name   string
		mutate func(*domain.SwapRequest)
	}{
		{"missing idempotency key", func(r *domain.SwapRequest) { r.IdempotencyKey = "" }},
		{"non-positive amount", func(r *domain.SwapRequest) { r.Amount = 0 }},
		{"same chain", func(r *domain.SwapRequest) { r.DestChain = r.SourceChain }},
		{"unknown chain", func(r *domain.SwapRequest) { r.DestChain = "dogecoin" }},
		{"invalid dest address", func(r *domain.SwapRequest) { r.DestAddress = "bad-addr" }},
		{"missing signing key", func(r *domain.SwapRequest) { r.SourceKeyRef = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := testRequest("never-created")
			tc.mutate(&req)

			_, err := env.svc.SubmitSwap(context.Background(), req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}

	if len(env.repo.records) != 0 {
		t.Fatalf("rejected requests must not create records, found %d", len(env.repo.records))
	}
	if env.source.withdrawCalls != 0 || env.dest.depositCalls != 0 {
		t.Fatal("rejected requests must not touch any chain")
	}
}

func TestSubmitSwap_IdempotentReplayReturnsExistingSwap(t *testing.T) {
	env := newTestEnv(t, 10)

	first, err := env.svc.SubmitSwap(context.Background(), testRequest("replay-1"))
	if err != nil {
		t.Fatalf("first SubmitSwap: %v", err)
	}
	env.svc.Wait()

	second, err := env.svc.SubmitSwap(context.Background(), testRequest("replay-1"))
	if err != nil {
		t.Fatalf("replayed SubmitSwap: %v", err)
	}
	env.svc.Wait()

	if first.ID != second.ID {
		t.Fatalf("replay must attach to the same swap, got %s and %s", first.ID, second.ID)
	}
	if env.source.withdrawCalls != 1 {
		t.Fatalf("replay must not re-run the withdrawal, got %d calls", env.source.withdrawCalls)
	}
	if env.dest.depositCalls != 1 {
		t.Fatalf("replay must not re-run the deposit, got %d calls", env.dest.depositCalls)
	}
}

func TestSubmitSwap_RateLimitExceeded(t *testing.T) {
	env := newTestEnv(t, 10)
	limiter := &fakeLimiter{}
	env.svc.limiter = limiter
	env.svc.cfg.SubmitRateLimit = 1
	env.svc.cfg.SubmitRateWindow = time.Minute
	ctx := context.Background()

	if _, err := env.svc.SubmitSwap(ctx, testRequest("limit-1")); err != nil {
		t.Fatalf("first SubmitSwap: %v", err)
	}
	env.svc.Wait()

	_, err := env.svc.SubmitSwap(ctx, testRequest("limit-2"))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	// A limited request must leave no record behind.
	if _, err := env.repo.GetSwap(ctx, SwapIDForKey("limit-2")); !errors.Is(err, store.ErrSwapNotFound) {
		t.Fatalf("limited request must not create a record, got %v", err)
	}

	// Limiter outage fails open: availability beats throttling.
	limiter.err = fmt.Errorf("redis connection refused")
	if _, err := env.svc.SubmitSwap(ctx, testRequest("limit-3")); err != nil {
		t.Fatalf("expected submission to proceed when the limiter is down, got %v", err)
	}
	env.svc.Wait()
}

func TestCancelSwap_BeforeCommitOnly(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()

	// A record parked pre-commit (as after a crash, before resumption runs).
	now := time.Now().UTC()
	parked := &domain.SwapRecord{
		ID:             uuid.New(),
		IdempotencyKey: "parked",
		State:          domain.StateRequested,
		SourceChain:    "solana",
		DestChain:      "stellar",
		SourceAmount:   1.5,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(time.Hour),
	}
	if err := env.repo.CreateSwap(ctx, parked); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	cancelled, err := env.svc.CancelSwap(ctx, parked.ID)
	if err != nil {
		t.Fatalf("CancelSwap: %v", err)
	}
	if cancelled.State != domain.StateCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.State)
	}
	if env.source.withdrawCalls != 0 {
		t.Fatal("cancellation must not touch the chain")
	}

	// A completed swap can no longer be cancelled.
	record, err := env.svc.SubmitSwap(ctx, testRequest("done-1"))
	if err != nil {
		t.Fatalf("SubmitSwap: %v", err)
	}
	env.svc.Wait()
	if _, err := env.svc.CancelSwap(ctx, record.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestGetSwapStatus_IncludesLiveStatuses(t *testing.T) {
	env := newTestEnv(t, 10)

	record, err := env.svc.SubmitSwap(context.Background(), testRequest("status-1"))
	if err != nil {
		t.Fatalf("SubmitSwap: %v", err)
	}
	env.svc.Wait()

	status, err := env.svc.GetSwapStatus(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("GetSwapStatus: %v", err)
	}
	if status.Outcome != domain.OutcomeCompleted {
		t.Fatalf("expected completed outcome, got %s", status.Outcome)
	}
	if status.WithdrawStatus != domain.TxStatusCompleted || status.DepositStatus != domain.TxStatusCompleted {
		t.Fatalf("expected live statuses completed, got withdraw=%s deposit=%s", status.WithdrawStatus, status.DepositStatus)
	}

	if _, err := env.svc.GetSwapStatus(context.Background(), uuid.New()); !errors.Is(err, store.ErrSwapNotFound) {
		t.Fatalf("expected ErrSwapNotFound, got %v", err)
	}
}
