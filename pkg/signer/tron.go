package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"ca-engine/pkg/types"
)

const tronMessagePrefix = "\x19TRON Signed Message:\n32"

// TronWallet signs with the TRON message prefix. Tron shares secp256k1 and
// the 20-byte address derivation with EVM; only the display format differs.
type TronWallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	approve Approver
}

// NewTronWallet parses a hex private key
func NewTronWallet(hexKey string, approver Approver) (*TronWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid tron private key: %w", err)
	}
	return &TronWallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey), approve: approver}, nil
}

func (w *TronWallet) Universe() types.Universe {
	return types.UniverseTron
}

func (w *TronWallet) Address() types.Address {
	return types.AddressFromEVM(w.address)
}

// SignMessage signs a 32-byte digest under the TRON prefix
func (w *TronWallet) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if len(msg) != 32 {
		return nil, fmt.Errorf("tron message must be a 32-byte digest, got %d bytes", len(msg))
	}
	if err := approve(ctx, w.approve, "sign message"); err != nil {
		return nil, err
	}
	return signWithRecoveryOffset(tronHash(msg), w.key)
}

// RecoverTron returns the signer of a TRON-prefixed signature over msg
func RecoverTron(msg, sig []byte) (common.Address, error) {
	return recoverPrefixed(tronHash(msg), sig)
}

func tronHash(msg []byte) []byte {
	return crypto.Keccak256([]byte(tronMessagePrefix), msg)
}
