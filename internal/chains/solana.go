/**
 * @description
 * Solana implementation of the Adapter contract. Native SOL transfers via the
 * system program; the treasury keypair funds deposits and refunds.
 *
 * @dependencies
 * - github.com/gagliardetto/solana-go: keys, transactions, system program, RPC.
 */

package chains

import (
	"context"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/chainbridge/bridge-service/internal/domain"
)

// SolanaConfig holds the settings for the Solana adapter.
type SolanaConfig struct {
	ChainID            string
	RPCURL             string
	TreasuryPrivateKey string // base58 encoded
}

// SolanaAdapter implements Adapter over a Solana RPC node.
type SolanaAdapter struct {
	cfg         SolanaConfig
	client      *rpc.Client
	treasuryKey solana.PrivateKey
	treasury    solana.PublicKey
}

const lamportsPerSOL = 1e9

// NewSolanaAdapter connects to the configured RPC endpoint and parses the
// treasury keypair.
func NewSolanaAdapter(cfg SolanaConfig) (*SolanaAdapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("solana: RPC URL not configured")
	}
	if cfg.TreasuryPrivateKey == "" {
		return nil, fmt.Errorf("solana: treasury private key not configured")
	}

	key, err := solana.PrivateKeyFromBase58(cfg.TreasuryPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("solana: invalid treasury private key: %w", err)
	}

	return &SolanaAdapter{
		cfg:         cfg,
		client:      rpc.New(cfg.RPCURL),
		treasuryKey: key,
		treasury:    key.PublicKey(),
	}, nil
}

func (s *SolanaAdapter) ChainID() string { return s.cfg.ChainID }

// GetAccountBalance returns the balance of address in SOL.
func (s *SolanaAdapter) GetAccountBalance(ctx context.Context, address string) (float64, error) {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	balance, err := s.client.GetBalance(ctx, pub, rpc.CommitmentFinalized)
	if err != nil {
		return 0, fmt.Errorf("%w: balance query failed: %v", ErrChainUnavailable, err)
	}

	return float64(balance.Value) / lamportsPerSOL, nil
}

// CreateAccount generates a fresh ed25519 keypair. The base58 private key is
// the recoverable seed material.
func (s *SolanaAdapter) CreateAccount(ctx context.Context) (domain.AccountCredential, error) {
	wallet := solana.NewWallet()
	return domain.AccountCredential{
		PublicKey:  wallet.PublicKey().String(),
		PrivateKey: wallet.PrivateKey.String(),
		SeedPhrase: wallet.PrivateKey.String(),
	}, nil
}

// RestoreAccount recovers the keypair from the base58 seed produced by CreateAccount.
func (s *SolanaAdapter) RestoreAccount(ctx context.Context, seedPhrase string) (domain.AccountCredential, error) {
	key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(seedPhrase))
	if err != nil {
		return domain.AccountCredential{}, fmt.Errorf("invalid seed material: %w", err)
	}

	return domain.AccountCredential{
		PublicKey:  key.PublicKey().String(),
		PrivateKey: key.String(),
	}, nil
}

// Withdraw submits one signed transfer from the sender to the treasury.
func (s *SolanaAdapter) Withdraw(ctx context.Context, amount float64, senderAddress, senderPrivateKey string) (domain.TransactionResult, error) {
	senderKey, err := solana.PrivateKeyFromBase58(senderPrivateKey)
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("invalid sender private key: %w", err)
	}
	if senderKey.PublicKey().String() != senderAddress {
		return domain.TransactionResult{}, fmt.Errorf("sender key does not control %s", senderAddress)
	}

	return s.submitTransfer(ctx, senderKey, s.treasury, amount)
}

// Deposit submits one signed transfer from the treasury to the receiver.
func (s *SolanaAdapter) Deposit(ctx context.Context, amount float64, receiverAddress string) (domain.TransactionResult, error) {
	receiver, err := solana.PublicKeyFromBase58(receiverAddress)
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	return s.submitTransfer(ctx, s.treasuryKey, receiver, amount)
}

func (s *SolanaAdapter) submitTransfer(ctx context.Context, senderKey solana.PrivateKey, recipient solana.PublicKey, amount float64) (domain.TransactionResult, error) {
	if amount <= 0 {
		return domain.TransactionResult{}, fmt.Errorf("amount must be positive, got %f", amount)
	}
	lamports := uint64(amount * lamportsPerSOL)
	sender := senderKey.PublicKey()

	balance, err := s.client.GetBalance(ctx, sender, rpc.CommitmentFinalized)
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("%w: balance query failed: %v", ErrChainUnavailable, err)
	}
	// 5000 lamports covers the single-signature fee.
	if balance.Value < lamports+5000 {
		return domain.TransactionResult{}, fmt.Errorf("%w: have %d lamports, need %d", ErrInsufficientFunds, balance.Value, lamports+5000)
	}

	recent, err := s.client.GetRecentBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("%w: blockhash query failed: %v", ErrChainUnavailable, err)
	}

	instruction := system.NewTransferInstruction(lamports, sender, recipient).Build()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		recent.Value.Blockhash,
		solana.TransactionPayer(sender),
	)
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("failed to build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(sender) {
			return &senderKey
		}
		return nil
	})
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		if isSolanaRejection(err) {
			return domain.TransactionResult{}, fmt.Errorf("%w: %v", ErrChainRejected, err)
		}
		return domain.TransactionResult{}, fmt.Errorf("%w: submission failed: %v", ErrChainUnavailable, err)
	}

	return domain.TransactionResult{Reference: sig.String()}, nil
}

// GetTransactionStatus maps signature status into the uniform status set. An
// unknown signature is NotFound; a signature with no finalized confirmation is
// Pending; an execution error maps to Failed.
func (s *SolanaAdapter) GetTransactionStatus(ctx context.Context, txRef string) (domain.TransactionStatus, error) {
	sig, err := solana.SignatureFromBase58(txRef)
	if err != nil {
		return domain.TxStatusNotFound, fmt.Errorf("invalid transaction reference: %w", err)
	}

	out, err := s.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return domain.TxStatusPending, fmt.Errorf("%w: status query failed: %v", ErrChainUnavailable, err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return domain.TxStatusNotFound, nil
	}

	status := out.Value[0]
	if status.Err != nil {
		return domain.TxStatusFailed, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized, rpc.ConfirmationStatusConfirmed:
		return domain.TxStatusCompleted, nil
	default:
		return domain.TxStatusPending, nil
	}
}

// ValidateAddress accepts base58-encoded ed25519 public keys.
func (s *SolanaAdapter) ValidateAddress(address string) error {
	if _, err := solana.PublicKeyFromBase58(address); err != nil {
		return fmt.Errorf("%w: %s is not a valid Solana address", ErrInvalidAddress, address)
	}
	return nil
}

func isSolanaRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient") || strings.Contains(msg, "custom program error")
}
