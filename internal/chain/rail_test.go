package chain

// Exercises the rail against an in-process simulated EVM; no external node
// is required.

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"go.uber.org/zap"
)

// Anvil default account #0.
const payerKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// The go-ethereum simulated backend always uses chainID 1337.
var simChainID = big.NewInt(1337)

func newSimRail(t *testing.T) (*Rail, *simulated.Backend) {
	t.Helper()
	key, err := crypto.HexToECDSA(payerKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	balance, _ := new(big.Int).SetString("1000000000000000000000", 10)
	backend := simulated.NewBackend(types.GenesisAlloc{
		crypto.PubkeyToAddress(key.PublicKey): {Balance: balance},
	}, simulated.WithBlockGasLimit(30_000_000))
	t.Cleanup(func() { backend.Close() })
	return NewRailWithBackend(backend.Client(), key, simChainID, zap.NewNop()), backend
}

type transferResult struct {
	ref string
	err error
}

// transferMining runs Transfer while committing blocks until it returns.
func transferMining(t *testing.T, rail *Rail, backend *simulated.Backend, to string, amount uint64, memo string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	done := make(chan transferResult, 1)
	go func() {
		ref, err := rail.Transfer(ctx, to, amount, memo)
		done <- transferResult{ref, err}
	}()
	for {
		select {
		case res := <-done:
			return res.ref, res.err
		case <-time.After(50 * time.Millisecond):
			backend.Commit()
		}
	}
}

func TestTransfer_PaysDestination(t *testing.T) {
	rail, backend := newSimRail(t)
	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	ref, err := transferMining(t, rail, backend, to.Hex(), 8_700, "0G-PRO-1760000000")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(ref) != 66 {
		t.Errorf("reference: got %q want a tx hash", ref)
	}

	ctx := context.Background()
	got, err := backend.Client().BalanceAt(ctx, to, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cmp(ToWei(8_700)) != 0 {
		t.Errorf("destination balance: got %s want %s", got, ToWei(8_700))
	}

	tx, _, err := backend.Client().TransactionByHash(ctx, common.HexToHash(ref))
	if err != nil {
		t.Fatalf("TransactionByHash: %v", err)
	}
	if string(tx.Data()) != "0G-PRO-1760000000" {
		t.Errorf("memo: got %q", tx.Data())
	}
}

func TestTransfer_SequentialNonces(t *testing.T) {
	rail, backend := newSimRail(t)
	to := "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	for i := 0; i < 3; i++ {
		if _, err := transferMining(t, rail, backend, to, 1, "memo"); err != nil {
			t.Fatalf("Transfer %d: %v", i, err)
		}
	}
	got, _ := backend.Client().BalanceAt(context.Background(), common.HexToAddress(to), nil)
	if got.Cmp(ToWei(3)) != 0 {
		t.Errorf("balance after 3 transfers: got %s", got)
	}
}

func TestTransfer_BadDestination(t *testing.T) {
	rail, _ := newSimRail(t)
	_, err := rail.Transfer(context.Background(), "bank:12345", 10, "")
	if !errors.Is(err, ErrBadDestination) {
		t.Errorf("Transfer: got %v want ErrBadDestination", err)
	}
}

func TestTransfer_InsufficientFunds(t *testing.T) {
	rail, backend := newSimRail(t)
	// more than the 1000 ETH the payer holds
	_, err := transferMining(t, rail, backend, "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC", 2_000_000_000_000, "")
	if err == nil {
		t.Error("Transfer: want error when the payer cannot cover the amount")
	}
}

func TestPayerBalance(t *testing.T) {
	rail, _ := newSimRail(t)
	bal, err := rail.PayerBalance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if bal.Sign() <= 0 {
		t.Errorf("PayerBalance: got %s", bal)
	}
	if rail.From() != crypto.PubkeyToAddress(rail.key.PublicKey) {
		t.Error("From does not match the key")
	}
}
