package rff

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"ca-engine/pkg/types"
)

// MessageSigner signs a request hash the way its universe expects
// (EIP-191 for EVM, the TRON message prefix for Tron, raw ed25519 for Solana).
type MessageSigner interface {
	Universe() types.Universe
	Address() types.Address
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// Signers holds one signer per universe
type Signers map[types.Universe]MessageSigner

// Parties returns the signing address of every universe
func (s Signers) Parties() map[types.Universe]types.Address {
	out := make(map[types.Universe]types.Address, len(s))
	for u, signer := range s {
		out[u] = signer.Address()
	}
	return out
}

// Signature is one party's signature over the request hash
type Signature struct {
	Universe  types.Universe
	Address   types.Address
	Hash      common.Hash
	Signature []byte
}

// Sign collects a signature from every party of req, in party order.
// A rejection by any signer aborts the whole request.
func Sign(ctx context.Context, req *Request, signers Signers) ([]Signature, error) {
	hash, err := req.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash request: %w", err)
	}
	sigs := make([]Signature, 0, len(req.Parties))
	for _, p := range req.Parties {
		signer, ok := signers[p.Universe]
		if !ok {
			return nil, fmt.Errorf("no signer for %s", p.Universe)
		}
		if signer.Address() != p.Address {
			return nil, fmt.Errorf("%s signer address %s does not match party %s", p.Universe, signer.Address().Format(p.Universe), p.Address.Format(p.Universe))
		}
		sig, err := signer.SignMessage(ctx, hash.Bytes())
		if err != nil {
			return nil, fmt.Errorf("sign request for %s: %w", p.Universe, err)
		}
		sigs = append(sigs, Signature{Universe: p.Universe, Address: p.Address, Hash: hash, Signature: sig})
	}
	return sigs, nil
}
