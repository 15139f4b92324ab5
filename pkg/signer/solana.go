package signer

import (
	"context"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"ca-engine/pkg/types"
)

// SolanaWallet signs raw messages with an ed25519 key
type SolanaWallet struct {
	key     solana.PrivateKey
	approve Approver
}

// NewSolanaWallet parses a base58 private key
func NewSolanaWallet(base58Key string, approver Approver) (*SolanaWallet, error) {
	key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(base58Key))
	if err != nil {
		return nil, fmt.Errorf("invalid solana private key: %w", err)
	}
	return &SolanaWallet{key: key, approve: approver}, nil
}

func (w *SolanaWallet) Universe() types.Universe {
	return types.UniverseSolana
}

func (w *SolanaWallet) Address() types.Address {
	var out types.Address
	pub := w.key.PublicKey()
	copy(out[:], pub[:])
	return out
}

// PrivateKey exposes the key to the Solana depositor
func (w *SolanaWallet) PrivateKey() solana.PrivateKey {
	return w.key
}

func (w *SolanaWallet) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if err := approve(ctx, w.approve, "sign message"); err != nil {
		return nil, err
	}
	sig, err := w.key.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig[:], nil
}

// VerifySolana checks an ed25519 signature by addr over msg
func VerifySolana(addr types.Address, msg, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	var s solana.Signature
	copy(s[:], sig)
	return solana.PublicKeyFromBytes(addr[:]).Verify(msg, s)
}
