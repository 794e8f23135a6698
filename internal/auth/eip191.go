package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrBadSignature   = errors.New("auth: malformed signature")
	ErrWalletMismatch = errors.New("auth: signature does not match wallet")
)

// HashMessage is the EIP-191 personal-message hash:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func HashMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// Recover returns the address that personal-signed msg. sig is R || S || V
// with V in {0,1} or {27,28}.
func Recover(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pub, err := crypto.SigToPub(HashMessage(msg), sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyWallet checks that sigHex (0x prefix optional) is wallet's signature
// over msg and returns the recovered address. wallet may be in any case.
func VerifyWallet(msg []byte, sigHex, wallet string) (common.Address, error) {
	if !common.IsHexAddress(wallet) {
		return common.Address{}, fmt.Errorf("%w: %q is not an address", ErrWalletMismatch, wallet)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	signer, err := Recover(msg, sig)
	if err != nil {
		return common.Address{}, err
	}
	if signer != common.HexToAddress(wallet) {
		return common.Address{}, fmt.Errorf("%w: signed by %s", ErrWalletMismatch, signer.Hex())
	}
	return signer, nil
}
