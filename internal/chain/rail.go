// Package chain is the value-transfer rail: it pays out ledger balances as
// native transfers on an EVM chain.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-compute-ledger/internal/config"
)

// UnitWei is the value of one ledger unit on chain (1 gwei).
const UnitWei = 1_000_000_000

var ErrBadDestination = errors.New("chain: destination is not an address")

// Backend is the subset of an Ethereum client the rail needs.
// *ethclient.Client and the simulated backend client both satisfy it.
type Backend interface {
	bind.DeployBackend
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Rail sends payouts from a single hot wallet.
type Rail struct {
	eth     Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	log     *zap.Logger

	mu sync.Mutex // serialises nonce allocation
}

func NewRail(cfg *config.Config, log *zap.Logger) (*Rail, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	key, err := crypto.HexToECDSA(cfg.Chain.PayerPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse payer private key: %w", err)
	}
	return NewRailWithBackend(eth, key, big.NewInt(cfg.Chain.ChainID), log), nil
}

func NewRailWithBackend(eth Backend, key *ecdsa.PrivateKey, chainID *big.Int, log *zap.Logger) *Rail {
	return &Rail{
		eth:     eth,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		log:     log,
	}
}

// From returns the paying wallet.
func (r *Rail) From() common.Address { return r.from }

// PayerBalance returns the paying wallet's balance in wei.
func (r *Rail) PayerBalance(ctx context.Context) (*big.Int, error) {
	return r.eth.BalanceAt(ctx, r.from, nil)
}

// ToWei converts ledger units to wei.
func ToWei(amount uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(amount), big.NewInt(UnitWei))
}

// Transfer sends amount to destination with memo as calldata, waits for the
// receipt and returns the transaction hash. A reverted transaction is an
// error.
func (r *Rail) Transfer(ctx context.Context, destination string, amount uint64, memo string) (string, error) {
	if !common.IsHexAddress(destination) {
		return "", fmt.Errorf("%w: %q", ErrBadDestination, destination)
	}
	to := common.HexToAddress(destination)

	signed, err := r.send(ctx, to, ToWei(amount), []byte(memo))
	if err != nil {
		return "", err
	}
	r.log.Info("payout tx sent",
		zap.String("tx", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("amount", amount),
	)

	receipt, err := bind.WaitMined(ctx, r.eth, signed)
	if err != nil {
		return "", fmt.Errorf("wait mined %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return "", fmt.Errorf("tx reverted: %s", signed.Hash().Hex())
	}
	return signed.Hash().Hex(), nil
}

func (r *Rail) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	nonce, err := r.eth.PendingNonceAt(ctx, r.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := r.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := r.eth.EstimateGas(ctx, ethereum.CallMsg{From: r.from, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(r.chainID), r.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := r.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	return signed, nil
}
