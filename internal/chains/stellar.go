/**
 * @description
 * Stellar implementation of the Adapter contract. Native XLM payments built
 * with txnbuild and submitted through Horizon; the treasury keypair funds
 * deposits and refunds. Stellar secret seeds are deterministic recovery
 * material, so CreateAccount/RestoreAccount map directly onto the SDK's
 * keypair package.
 *
 * @dependencies
 * - github.com/stellar/go: keypair, txnbuild, horizonclient, strkey.
 */

package chains

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"

	"github.com/chainbridge/bridge-service/internal/domain"
)

// StellarConfig holds the settings for the Stellar adapter.
type StellarConfig struct {
	ChainID           string
	HorizonURL        string
	NetworkPassphrase string
	TreasurySeed      string // S... secret seed
}

// StellarAdapter implements Adapter over a Horizon server.
type StellarAdapter struct {
	cfg      StellarConfig
	client   *horizonclient.Client
	treasury *keypair.Full
}

// NewStellarAdapter builds the Horizon client and parses the treasury seed.
func NewStellarAdapter(cfg StellarConfig) (*StellarAdapter, error) {
	if cfg.HorizonURL == "" {
		return nil, fmt.Errorf("stellar: horizon URL not configured")
	}
	if cfg.NetworkPassphrase == "" {
		return nil, fmt.Errorf("stellar: network passphrase not configured")
	}

	treasury, err := keypair.ParseFull(cfg.TreasurySeed)
	if err != nil {
		return nil, fmt.Errorf("stellar: invalid treasury seed: %w", err)
	}

	return &StellarAdapter{
		cfg:      cfg,
		client:   &horizonclient.Client{HorizonURL: cfg.HorizonURL},
		treasury: treasury,
	}, nil
}

func (s *StellarAdapter) ChainID() string { return s.cfg.ChainID }

// GetAccountBalance returns the native XLM balance of address.
func (s *StellarAdapter) GetAccountBalance(ctx context.Context, address string) (float64, error) {
	if err := s.ValidateAddress(address); err != nil {
		return 0, err
	}

	account, err := s.client.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: account query failed: %v", ErrChainUnavailable, err)
	}

	native, err := account.GetNativeBalance()
	if err != nil {
		return 0, fmt.Errorf("failed to read native balance: %w", err)
	}
	balance, err := strconv.ParseFloat(native, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse native balance %q: %w", native, err)
	}
	return balance, nil
}

// CreateAccount generates a fresh Stellar keypair. The secret seed is the
// deterministic recovery material.
func (s *StellarAdapter) CreateAccount(ctx context.Context) (domain.AccountCredential, error) {
	kp, err := keypair.Random()
	if err != nil {
		return domain.AccountCredential{}, fmt.Errorf("key generation failed: %w", err)
	}

	return domain.AccountCredential{
		PublicKey:  kp.Address(),
		PrivateKey: kp.Seed(),
		SeedPhrase: kp.Seed(),
	}, nil
}

// RestoreAccount recovers the keypair from a secret seed.
func (s *StellarAdapter) RestoreAccount(ctx context.Context, seedPhrase string) (domain.AccountCredential, error) {
	kp, err := keypair.ParseFull(strings.TrimSpace(seedPhrase))
	if err != nil {
		return domain.AccountCredential{}, fmt.Errorf("invalid seed material: %w", err)
	}

	return domain.AccountCredential{
		PublicKey:  kp.Address(),
		PrivateKey: kp.Seed(),
	}, nil
}

// Withdraw submits one signed payment from the sender to the treasury.
func (s *StellarAdapter) Withdraw(ctx context.Context, amount float64, senderAddress, senderPrivateKey string) (domain.TransactionResult, error) {
	senderKP, err := keypair.ParseFull(senderPrivateKey)
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("invalid sender seed: %w", err)
	}
	if senderKP.Address() != senderAddress {
		return domain.TransactionResult{}, fmt.Errorf("sender seed does not control %s", senderAddress)
	}

	return s.submitPayment(ctx, senderKP, s.treasury.Address(), amount)
}

// Deposit submits one signed payment from the treasury to the receiver.
func (s *StellarAdapter) Deposit(ctx context.Context, amount float64, receiverAddress string) (domain.TransactionResult, error) {
	if err := s.ValidateAddress(receiverAddress); err != nil {
		return domain.TransactionResult{}, err
	}

	return s.submitPayment(ctx, s.treasury, receiverAddress, amount)
}

func (s *StellarAdapter) submitPayment(ctx context.Context, source *keypair.Full, destination string, amount float64) (domain.TransactionResult, error) {
	if amount <= 0 {
		return domain.TransactionResult{}, fmt.Errorf("amount must be positive, got %f", amount)
	}

	sourceAccount, err := s.client.AccountDetail(horizonclient.AccountRequest{AccountID: source.Address()})
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("%w: source account query failed: %v", ErrChainUnavailable, err)
	}

	native, err := sourceAccount.GetNativeBalance()
	if err == nil {
		if balance, parseErr := strconv.ParseFloat(native, 64); parseErr == nil && balance < amount {
			return domain.TransactionResult{}, fmt.Errorf("%w: have %s XLM, need %f", ErrInsufficientFunds, native, amount)
		}
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &sourceAccount,
		IncrementSequenceNum: true,
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: destination,
				Amount:      strconv.FormatFloat(amount, 'f', 7, 64),
				Asset:       txnbuild.NativeAsset{},
			},
		},
		BaseFee:       txnbuild.MinBaseFee,
		Preconditions: txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(300)},
	})
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("failed to build transaction: %w", err)
	}

	signed, err := tx.Sign(s.cfg.NetworkPassphrase, source)
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	resp, err := s.client.SubmitTransaction(signed)
	if err != nil {
		if isStellarRejection(err) {
			return domain.TransactionResult{}, fmt.Errorf("%w: %v", ErrChainRejected, err)
		}
		return domain.TransactionResult{}, fmt.Errorf("%w: submission failed: %v", ErrChainUnavailable, err)
	}

	return domain.TransactionResult{Reference: resp.Hash}, nil
}

// GetTransactionStatus maps Horizon's transaction record into the uniform
// status set. Horizon only indexes ledger-closed transactions, so an unknown
// hash is NotFound (the tracker keeps it Pending until its own timeout).
func (s *StellarAdapter) GetTransactionStatus(ctx context.Context, txRef string) (domain.TransactionStatus, error) {
	tx, err := s.client.TransactionDetail(txRef)
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return domain.TxStatusNotFound, nil
		}
		return domain.TxStatusPending, fmt.Errorf("%w: transaction query failed: %v", ErrChainUnavailable, err)
	}

	if tx.Successful {
		return domain.TxStatusCompleted, nil
	}
	return domain.TxStatusFailed, nil
}

// ValidateAddress accepts G... ed25519 public keys.
func (s *StellarAdapter) ValidateAddress(address string) error {
	if !strkey.IsValidEd25519PublicKey(address) {
		return fmt.Errorf("%w: %s is not a valid Stellar address", ErrInvalidAddress, address)
	}
	return nil
}

func isStellarRejection(err error) bool {
	if herr := horizonclient.GetError(err); herr != nil {
		resultCodes, rcErr := herr.ResultCodes()
		if rcErr == nil && resultCodes != nil && resultCodes.TransactionCode != "" {
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "tx_failed")
}
