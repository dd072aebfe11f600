/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for the swap_records table, which backs the saga state
 * machine with optimistic concurrency: every update is guarded by the record's
 * version number so a stale worker can never clobber a transition.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainbridge/bridge-service/internal/domain"
)

const uniqueViolationCode = "23505"

// swapColumns is the canonical column list shared by every SELECT.
const swapColumns = `
	id, idempotency_key, state,
	source_chain, dest_chain, source_address, dest_address,
	source_amount, exchange_rate, rate_observed_at, dest_amount,
	withdraw_tx_ref, deposit_tx_ref, rollback_tx_ref,
	last_error, retry_count, version,
	created_at, updated_at,
	withdrawn_at, deposited_at, completed_at, failed_at, rolled_back_at,
	expires_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreateSwap inserts a new swap record at version 1.
func (r *PostgresRepository) CreateSwap(ctx context.Context, record *domain.SwapRecord) error {
	query := `
		INSERT INTO swap_records (
			id, idempotency_key, state,
			source_chain, dest_chain, source_address, dest_address,
			source_amount, exchange_rate, rate_observed_at, dest_amount,
			withdraw_tx_ref, deposit_tx_ref, rollback_tx_ref,
			last_error, retry_count, version,
			created_at, updated_at,
			withdrawn_at, deposited_at, completed_at, failed_at, rolled_back_at,
			expires_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, 1,
			$17, $18,
			$19, $20, $21, $22, $23,
			$24
		)
	`
	_, err := r.db.Exec(ctx, query,
		record.ID, record.IdempotencyKey, record.State,
		record.SourceChain, record.DestChain, record.SourceAddress, record.DestAddress,
		record.SourceAmount, record.ExchangeRate, record.RateObservedAt, record.DestAmount,
		record.WithdrawTxRef, record.DepositTxRef, record.RollbackTxRef,
		record.LastError, record.RetryCount,
		record.CreatedAt, record.UpdatedAt,
		record.WithdrawnAt, record.DepositedAt, record.CompletedAt, record.FailedAt, record.RolledBackAt,
		record.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateSwap
		}
		return fmt.Errorf("failed to create swap record: %w", err)
	}
	record.Version = 1
	return nil
}

// GetSwap loads a swap record by id.
func (r *PostgresRepository) GetSwap(ctx context.Context, swapID uuid.UUID) (*domain.SwapRecord, error) {
	query := `SELECT ` + swapColumns + ` FROM swap_records WHERE id = $1`
	record, err := scanSwap(r.db.QueryRow(ctx, query, swapID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSwapNotFound
		}
		return nil, err
	}
	return record, nil
}

// GetSwapByIdempotencyKey loads the record created for the given key.
func (r *PostgresRepository) GetSwapByIdempotencyKey(ctx context.Context, key string) (*domain.SwapRecord, error) {
	query := `SELECT ` + swapColumns + ` FROM swap_records WHERE idempotency_key = $1`
	record, err := scanSwap(r.db.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSwapNotFound
		}
		return nil, err
	}
	return record, nil
}

// CompareAndSwap persists record only if the stored version still equals
// expectedVersion.
func (r *PostgresRepository) CompareAndSwap(ctx context.Context, record *domain.SwapRecord, expectedVersion int64) error {
	query := `
		UPDATE swap_records
		SET
			state = $3,
			exchange_rate = $4,
			rate_observed_at = $5,
			dest_amount = $6,
			withdraw_tx_ref = $7,
			deposit_tx_ref = $8,
			rollback_tx_ref = $9,
			last_error = $10,
			retry_count = $11,
			version = version + 1,
			updated_at = $12,
			withdrawn_at = $13,
			deposited_at = $14,
			completed_at = $15,
			failed_at = $16,
			rolled_back_at = $17
		WHERE id = $1 AND version = $2
		RETURNING version
	`
	var newVersion int64
	err := r.db.QueryRow(ctx, query,
		record.ID, expectedVersion,
		record.State,
		record.ExchangeRate, record.RateObservedAt, record.DestAmount,
		record.WithdrawTxRef, record.DepositTxRef, record.RollbackTxRef,
		record.LastError, record.RetryCount,
		record.UpdatedAt,
		record.WithdrawnAt, record.DepositedAt, record.CompletedAt, record.FailedAt, record.RolledBackAt,
	).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the record never existed or another worker advanced it.
			var exists bool
			checkErr := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM swap_records WHERE id = $1)`, record.ID).Scan(&exists)
			if checkErr != nil {
				return fmt.Errorf("failed to check swap existence after CAS miss: %w", checkErr)
			}
			if !exists {
				return ErrSwapNotFound
			}
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to update swap record: %w", err)
	}
	record.Version = newVersion
	return nil
}

// ListInFlightSwaps returns every record the orchestrator still owes work on.
// Terminal states are excluded; `requested` is included because a crash between
// creation and the first transition leaves the record there.
func (r *PostgresRepository) ListInFlightSwaps(ctx context.Context) ([]domain.SwapRecord, error) {
	query := `SELECT ` + swapColumns + `
		FROM swap_records
		WHERE state NOT IN ($1, $2, $3, $4, $5)
		ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query,
		domain.StateCompleted, domain.StateWithdrawFailed,
		domain.StateRolledBack, domain.StateRollbackFailed, domain.StateCancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight swaps: %w", err)
	}
	defer rows.Close()

	return collectSwaps(rows)
}

// ListSwapsByState returns records currently in the given state.
func (r *PostgresRepository) ListSwapsByState(ctx context.Context, state domain.SwapState) ([]domain.SwapRecord, error) {
	query := `SELECT ` + swapColumns + ` FROM swap_records WHERE state = $1 ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, query, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list swaps by state: %w", err)
	}
	defer rows.Close()

	return collectSwaps(rows)
}

func collectSwaps(rows pgx.Rows) ([]domain.SwapRecord, error) {
	var records []domain.SwapRecord
	for rows.Next() {
		record, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSwap(row rowScanner) (*domain.SwapRecord, error) {
	var record domain.SwapRecord
	err := row.Scan(
		&record.ID, &record.IdempotencyKey, &record.State,
		&record.SourceChain, &record.DestChain, &record.SourceAddress, &record.DestAddress,
		&record.SourceAmount, &record.ExchangeRate, &record.RateObservedAt, &record.DestAmount,
		&record.WithdrawTxRef, &record.DepositTxRef, &record.RollbackTxRef,
		&record.LastError, &record.RetryCount, &record.Version,
		&record.CreatedAt, &record.UpdatedAt,
		&record.WithdrawnAt, &record.DepositedAt, &record.CompletedAt, &record.FailedAt, &record.RolledBackAt,
		&record.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}
