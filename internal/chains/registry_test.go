package chains

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chainbridge/bridge-service/internal/domain"
)

type stubAdapter struct {
	Adapter
	id string
}

func (s *stubAdapter) ChainID() string { return s.id }

func (s *stubAdapter) GetAccountBalance(ctx context.Context, address string) (float64, error) {
	return 0, nil
}

func (s *stubAdapter) Deposit(ctx context.Context, amount float64, receiver string) (domain.TransactionResult, error) {
	return domain.TransactionResult{Reference: "tx-" + s.id}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(&stubAdapter{id: "Ethereum"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	// Lookup is case-insensitive on chain id.
	adapter, err := reg.Get("ethereum")
	if err != nil {
		t.Fatalf("expected adapter, got %v", err)
	}
	if adapter.ChainID() != "Ethereum" {
		t.Fatalf("unexpected adapter chain id %q", adapter.ChainID())
	}

	if _, err := reg.Get("solana"); !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
}

func TestRegistry_RejectsDuplicateChain(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register(&stubAdapter{id: "solana"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := reg.Register(&stubAdapter{id: "SOLANA"}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistry_ChainIDsSorted(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"stellar", "ethereum", "solana"} {
		if err := reg.Register(&stubAdapter{id: id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	ids := reg.ChainIDs()
	want := []string{"ethereum", "solana", "stellar"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d ids, got %d", len(want), len(ids))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected ids %v, got %v", want, ids)
		}
	}
}

func TestRegistry_TreasuryLockSerializesDeposits(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&stubAdapter{id: "ethereum"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	lock := reg.TreasuryLock("ethereum")
	if lock != reg.TreasuryLock("ETHEREUM") {
		t.Fatal("expected the same lock for the same chain regardless of case")
	}
	if lock == reg.TreasuryLock("solana") {
		t.Fatal("expected distinct locks per chain")
	}

	// Two workers contending for the same treasury must never overlap.
	var inCritical, maxInCritical int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock.Lock()
			defer lock.Unlock()
			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()
			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxInCritical != 1 {
		t.Fatalf("expected serialized treasury access, saw %d concurrent holders", maxInCritical)
	}
}
