/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for
 * swap-record persistence. By defining an interface, we decouple the
 * orchestrator's saga logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * Every record carries a version number; all updates go through CompareAndSwap
 * so that two workers can never both advance the same swap.
 *
 * @dependencies
 * - github.com/google/uuid: For swap record identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/chainbridge/bridge-service/internal/domain"
)

var (
	// ErrSwapNotFound is returned when no record exists for the given id.
	ErrSwapNotFound = errors.New("swap not found")
	// ErrDuplicateSwap is returned when a record with the same id already
	// exists. SubmitSwap derives ids deterministically from the idempotency
	// key, so this signals a replay, not a bug.
	ErrDuplicateSwap = errors.New("swap already exists")
	// ErrVersionConflict is returned when a CompareAndSwap loses the race: the
	// record moved on since it was loaded.
	ErrVersionConflict = errors.New("swap version conflict")
)

// Repository defines the set of methods for persisting swap records.
type Repository interface {
	// CreateSwap inserts a new record at version 1. Returns ErrDuplicateSwap
	// if a record with the same id is already present.
	CreateSwap(ctx context.Context, record *domain.SwapRecord) error

	// GetSwap loads the record by id, including its current version.
	GetSwap(ctx context.Context, swapID uuid.UUID) (*domain.SwapRecord, error)

	// GetSwapByIdempotencyKey loads the record created for the given key.
	GetSwapByIdempotencyKey(ctx context.Context, key string) (*domain.SwapRecord, error)

	// CompareAndSwap persists record only if the stored version still equals
	// expectedVersion. On success the stored version becomes
	// expectedVersion+1 and record.Version is updated to match. Returns
	// ErrVersionConflict when the record moved on, ErrSwapNotFound when it
	// never existed.
	CompareAndSwap(ctx context.Context, record *domain.SwapRecord, expectedVersion int64) error

	// ListInFlightSwaps returns every record whose state is neither terminal
	// nor awaiting caller action, ordered by creation time. Used at startup
	// to resume interrupted sagas.
	ListInFlightSwaps(ctx context.Context) ([]domain.SwapRecord, error)

	// ListSwapsByState returns records currently in the given state.
	ListSwapsByState(ctx context.Context, state domain.SwapState) ([]domain.SwapRecord, error)
}
