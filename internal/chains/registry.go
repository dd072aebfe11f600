/**
 * @description
 * This file implements the adapter registry: a lookup from chain identifier to
 * Adapter, populated once at startup. The orchestrator receives the registry
 * as a constructor parameter and never builds adapters itself.
 *
 * The registry also owns the per-chain treasury locks. A treasury account
 * typically requires sequentially ordered outgoing transactions, so every
 * Deposit against the same chain's treasury must be serialized even when the
 * calls originate from unrelated swaps.
 */

package chains

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps chain identifiers to adapter implementations.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	treasury map[string]*sync.Mutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		treasury: make(map[string]*sync.Mutex),
	}
}

// Register adds an adapter under its chain id. Registering the same chain
// twice is a wiring bug and returns an error.
func (r *Registry) Register(adapter Adapter) error {
	id := normalizeChainID(adapter.ChainID())
	if id == "" {
		return fmt.Errorf("adapter has empty chain id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("chain %q already registered", id)
	}
	r.adapters[id] = adapter
	r.treasury[id] = &sync.Mutex{}
	return nil
}

// Get returns the adapter for chainID, or ErrUnknownChain.
func (r *Registry) Get(chainID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[normalizeChainID(chainID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, chainID)
	}
	return adapter, nil
}

// TreasuryLock returns the mutex serializing outgoing treasury transactions
// for chainID. Callers hold it for the duration of a Deposit submission.
func (r *Registry) TreasuryLock(chainID string) *sync.Mutex {
	id := normalizeChainID(chainID)

	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.treasury[id]
	if !ok {
		lock = &sync.Mutex{}
		r.treasury[id] = lock
	}
	return lock
}

// ChainIDs returns the registered chain identifiers, sorted.
func (r *Registry) ChainIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalizeChainID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
