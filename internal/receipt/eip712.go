// Package receipt hashes and signs worker receipts as EIP-712 typed data so
// a settlement can be traced to the worker key that claimed it.
package receipt

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-compute-ledger/internal/ledger"
)

var (
	ErrWorkerNotAddress = errors.New("receipt: worker is not a wallet address")
	ErrBadSignature     = errors.New("receipt: malformed signature")
	ErrSignerMismatch   = errors.New("receipt: signature is not from the worker")
)

var receiptTypeHash = crypto.Keccak256Hash([]byte(
	"WorkReceipt(string receiptId,string jobId,string escrowId,address worker,uint256 actualCost,uint256 base,uint256 protocolFee,uint256 workerFee,uint256 total)",
))

// Domain binds signatures to one chain and one ledger deployment.
type Domain struct {
	ChainID  *big.Int
	Verifier common.Address
}

func (d Domain) separator() [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte("0G Compute Ledger"))
	versionHash := crypto.Keccak256Hash([]byte("1"))

	chainID := d.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], d.Verifier.Bytes())
	return crypto.Keccak256Hash(encoded)
}

// Digest returns the EIP-712 digest the worker signs.
func Digest(r ledger.Receipt, d Domain) ([32]byte, error) {
	if !common.IsHexAddress(r.Worker) {
		return [32]byte{}, fmt.Errorf("%w: %q", ErrWorkerNotAddress, r.Worker)
	}
	worker := common.HexToAddress(r.Worker)

	// Dynamic strings are encoded as their keccak256, per EIP-712.
	encoded := make([]byte, 10*32)
	copy(encoded[0:32], receiptTypeHash[:])
	copy(encoded[32:64], crypto.Keccak256([]byte(r.ReceiptID)))
	copy(encoded[64:96], crypto.Keccak256([]byte(r.JobID)))
	copy(encoded[96:128], crypto.Keccak256([]byte(r.EscrowID)))
	copy(encoded[140:160], worker.Bytes())
	putUint(encoded[160:192], r.ActualCost)
	putUint(encoded[192:224], r.Fees.Base)
	putUint(encoded[224:256], r.Fees.ProtocolFee)
	putUint(encoded[256:288], r.Fees.WorkerFee)
	putUint(encoded[288:320], r.Fees.Total)
	structHash := crypto.Keccak256Hash(encoded)

	sep := d.separator()
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg), nil
}

// Sign signs r in place with the worker's key. V is stored as 27/28.
func Sign(r *ledger.Receipt, key *ecdsa.PrivateKey, d Domain) error {
	digest, err := Digest(*r, d)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return err
	}
	sig[64] += 27
	r.Signature = sig
	return nil
}

// Recover returns the address that signed r.
func Recover(r ledger.Receipt, d Domain) (common.Address, error) {
	if len(r.Signature) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(r.Signature))
	}
	digest, err := Digest(r, d)
	if err != nil {
		return common.Address{}, err
	}
	sig := make([]byte, 65)
	copy(sig, r.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that r was signed by its worker.
func Verify(r ledger.Receipt, d Domain) error {
	signer, err := Recover(r, d)
	if err != nil {
		return err
	}
	if signer != common.HexToAddress(r.Worker) {
		return fmt.Errorf("%w: signed by %s, worker %s", ErrSignerMismatch, signer.Hex(), r.Worker)
	}
	return nil
}

func putUint(dst []byte, v uint64) {
	new(big.Int).SetUint64(v).FillBytes(dst)
}
