/**
 * @description
 * EVM implementation of the Adapter contract. Covers Ethereum and any
 * EVM-compatible network (one instance per network, registered under its own
 * chain id). Native-asset transfers only; the treasury account holds the
 * bridge's funds on this chain.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum: ethclient, core/types, crypto, common.
 */

package chains

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/chainbridge/bridge-service/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMConfig holds the per-network settings for an EVM adapter.
type EVMConfig struct {
	ChainID            string
	NetworkID          int64
	RPCURL             string
	TreasuryAddress    string
	TreasuryPrivateKey string
	GasLimit           uint64 // 0 means the standard transfer limit
}

// EVMAdapter implements Adapter over an EVM-compatible JSON-RPC node.
type EVMAdapter struct {
	cfg         EVMConfig
	client      *ethclient.Client
	treasuryKey *ecdsa.PrivateKey
	treasury    common.Address
}

const evmTransferGasLimit = uint64(21000)

var weiPerEther = new(big.Float).SetInt(big.NewInt(1e18))

// NewEVMAdapter connects to the configured RPC endpoint and parses the
// treasury key.
func NewEVMAdapter(cfg EVMConfig) (*EVMAdapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("evm %s: RPC URL not configured", cfg.ChainID)
	}
	if cfg.TreasuryPrivateKey == "" {
		return nil, fmt.Errorf("evm %s: treasury private key not configured", cfg.ChainID)
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm %s: failed to connect to RPC endpoint: %w", cfg.ChainID, err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.TreasuryPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm %s: invalid treasury private key: %w", cfg.ChainID, err)
	}

	treasury := crypto.PubkeyToAddress(key.PublicKey)
	if cfg.TreasuryAddress != "" && !strings.EqualFold(cfg.TreasuryAddress, treasury.Hex()) {
		return nil, fmt.Errorf("evm %s: treasury key does not match configured address %s", cfg.ChainID, cfg.TreasuryAddress)
	}

	return &EVMAdapter{
		cfg:         cfg,
		client:      client,
		treasuryKey: key,
		treasury:    treasury,
	}, nil
}

func (e *EVMAdapter) ChainID() string { return e.cfg.ChainID }

// GetAccountBalance returns the native balance of address in ether units.
func (e *EVMAdapter) GetAccountBalance(ctx context.Context, address string) (float64, error) {
	if err := e.ValidateAddress(address); err != nil {
		return 0, err
	}

	balance, err := e.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return 0, fmt.Errorf("%w: balance query failed: %v", ErrChainUnavailable, err)
	}

	etherValue, _ := new(big.Float).Quo(new(big.Float).SetInt(balance), weiPerEther).Float64()
	return etherValue, nil
}

// CreateAccount generates a fresh secp256k1 keypair. EVM chains have no
// native mnemonic, so the hex-encoded private key doubles as the seed.
func (e *EVMAdapter) CreateAccount(ctx context.Context) (domain.AccountCredential, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return domain.AccountCredential{}, fmt.Errorf("key generation failed: %w", err)
	}

	privHex := hexutil.Encode(crypto.FromECDSA(key))
	return domain.AccountCredential{
		PublicKey:  crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: privHex,
		SeedPhrase: privHex,
	}, nil
}

// RestoreAccount recovers the keypair from the hex seed produced by CreateAccount.
func (e *EVMAdapter) RestoreAccount(ctx context.Context, seedPhrase string) (domain.AccountCredential, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(seedPhrase), "0x"))
	if err != nil {
		return domain.AccountCredential{}, fmt.Errorf("invalid seed material: %w", err)
	}

	return domain.AccountCredential{
		PublicKey:  crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(key)),
	}, nil
}

// Withdraw submits one signed transfer from the sender to the treasury.
func (e *EVMAdapter) Withdraw(ctx context.Context, amount float64, senderAddress, senderPrivateKey string) (domain.TransactionResult, error) {
	senderKey, err := crypto.HexToECDSA(strings.TrimPrefix(senderPrivateKey, "0x"))
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("invalid sender private key: %w", err)
	}

	from := crypto.PubkeyToAddress(senderKey.PublicKey)
	if !strings.EqualFold(from.Hex(), senderAddress) {
		return domain.TransactionResult{}, fmt.Errorf("sender key does not control %s", senderAddress)
	}

	return e.submitTransfer(ctx, senderKey, from, e.treasury, amount)
}

// Deposit submits one signed transfer from the treasury to the receiver.
// Used for the forward delivery leg and for refunds alike.
func (e *EVMAdapter) Deposit(ctx context.Context, amount float64, receiverAddress string) (domain.TransactionResult, error) {
	if err := e.ValidateAddress(receiverAddress); err != nil {
		return domain.TransactionResult{}, err
	}

	return e.submitTransfer(ctx, e.treasuryKey, e.treasury, common.HexToAddress(receiverAddress), amount)
}

func (e *EVMAdapter) submitTransfer(ctx context.Context, key *ecdsa.PrivateKey, from, to common.Address, amount float64) (domain.TransactionResult, error) {
	amountWei, err := etherToWei(amount)
	if err != nil {
		return domain.TransactionResult{}, err
	}

	balance, err := e.client.BalanceAt(ctx, from, nil)
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("%w: balance query failed: %v", ErrChainUnavailable, err)
	}
	if balance.Cmp(amountWei) < 0 {
		return domain.TransactionResult{}, fmt.Errorf("%w: have %s wei, need %s wei", ErrInsufficientFunds, balance, amountWei)
	}

	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("%w: nonce query failed: %v", ErrChainUnavailable, err)
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("%w: gas price query failed: %v", ErrChainUnavailable, err)
	}

	gasLimit := e.cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = evmTransferGasLimit
	}

	tx := types.NewTransaction(nonce, to, amountWei, gasLimit, gasPrice, nil)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(e.cfg.NetworkID)), key)
	if err != nil {
		return domain.TransactionResult{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		if isEVMRejection(err) {
			return domain.TransactionResult{}, fmt.Errorf("%w: %v", ErrChainRejected, err)
		}
		return domain.TransactionResult{}, fmt.Errorf("%w: submission failed: %v", ErrChainUnavailable, err)
	}

	return domain.TransactionResult{Reference: signedTx.Hash().Hex()}, nil
}

// GetTransactionStatus maps the receipt for txRef into the uniform status set.
// A transaction known to the mempool but unmined is Pending; an unknown hash
// is NotFound; only receipt status 0 maps to Failed.
func (e *EVMAdapter) GetTransactionStatus(ctx context.Context, txRef string) (domain.TransactionStatus, error) {
	hash := common.HexToHash(txRef)

	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			_, isPending, txErr := e.client.TransactionByHash(ctx, hash)
			if txErr != nil {
				if errors.Is(txErr, ethereum.NotFound) {
					return domain.TxStatusNotFound, nil
				}
				return domain.TxStatusPending, fmt.Errorf("%w: transaction query failed: %v", ErrChainUnavailable, txErr)
			}
			if isPending {
				return domain.TxStatusPending, nil
			}
			return domain.TxStatusPending, nil
		}
		return domain.TxStatusPending, fmt.Errorf("%w: receipt query failed: %v", ErrChainUnavailable, err)
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		return domain.TxStatusCompleted, nil
	}
	return domain.TxStatusFailed, nil
}

// ValidateAddress accepts 0x-prefixed 20-byte hex addresses.
func (e *EVMAdapter) ValidateAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: %s is not a valid EVM address", ErrInvalidAddress, address)
	}
	return nil
}

// Close releases the underlying RPC connection.
func (e *EVMAdapter) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

func etherToWei(amount float64) (*big.Int, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %f", amount)
	}
	wei, _ := new(big.Float).Mul(big.NewFloat(amount), weiPerEther).Int(nil)
	return wei, nil
}

func isEVMRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "execution reverted")
}
