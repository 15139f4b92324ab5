// Package rff builds, signs and submits requests for funds to the settlement layer.
package rff

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"time"

	"ca-engine/pkg/types"
)

// DefaultTTL is how long a request stays claimable by solvers
const DefaultTTL = 15 * time.Minute

var maxNonce = new(big.Int).Lsh(big.NewInt(1), 256)

// Source is one collected holding, in base units
type Source struct {
	Universe        types.Universe
	ChainID         uint64
	ContractAddress types.Address
	Value           *big.Int
}

// Destination is one delivered amount on the destination chain, in base units
type Destination struct {
	ContractAddress types.Address
	Value           *big.Int
}

// Party is the address that signs for one universe
type Party struct {
	Universe types.Universe
	Address  types.Address
}

// Request is the signed request for funds
type Request struct {
	Sources             []Source
	DestinationUniverse types.Universe
	DestinationChainID  uint64
	RecipientAddress    types.Address
	Destinations        []Destination
	Nonce               *big.Int
	Expiry              uint64
	Parties             []Party
}

// BuildOptions controls request construction
type BuildOptions struct {
	// Parties maps each universe touched by the intent to its signing address
	Parties map[types.Universe]types.Address
	// NativeDecimals of the destination chain, used for the gas top-up
	NativeDecimals uint8
	TTL            time.Duration
	Now            time.Time
	Rand           io.Reader
}

// Build converts a planned intent into a request. Sources must be held by the
// party of their universe.
func Build(intent *types.Intent, opts BuildOptions) (*Request, error) {
	if len(intent.Sources) == 0 {
		return nil, fmt.Errorf("intent has no sources")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	r := opts.Rand
	if r == nil {
		r = rand.Reader
	}
	nonce, err := rand.Int(r, maxNonce)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	req := &Request{
		DestinationUniverse: intent.Destination.Universe,
		DestinationChainID:  intent.Destination.ChainID,
		RecipientAddress:    intent.Destination.Recipient,
		Nonce:               nonce,
		Expiry:              uint64(now.Add(ttl).Unix()),
	}

	for _, s := range intent.Sources {
		party, ok := opts.Parties[s.Universe]
		if !ok {
			return nil, fmt.Errorf("no signer for %s source on chain %d", s.Universe, s.ChainID)
		}
		if s.Holder != party {
			return nil, fmt.Errorf("source on chain %d held by %s, not by %s party %s", s.ChainID, s.Holder.Format(s.Universe), s.Universe, party.Format(s.Universe))
		}
		req.Sources = append(req.Sources, Source{
			Universe:        s.Universe,
			ChainID:         s.ChainID,
			ContractAddress: s.Token.Address,
			Value:           types.ToBaseUnits(s.Amount, s.Token.Decimals),
		})
	}

	dst := intent.Destination
	value := types.ToBaseUnits(dst.Amount, dst.Token.Decimals)
	var gas *big.Int
	if dst.Gas.IsPositive() {
		gas = types.ToBaseUnits(dst.Gas, opts.NativeDecimals)
	}
	if dst.Token.Native && gas != nil {
		value = new(big.Int).Add(value, gas)
		gas = nil
	}
	req.Destinations = append(req.Destinations, Destination{ContractAddress: dst.Token.Address, Value: value})
	if gas != nil {
		req.Destinations = append(req.Destinations, Destination{ContractAddress: types.ZeroAddress, Value: gas})
	}

	for _, u := range intent.Universes() {
		addr, ok := opts.Parties[u]
		if !ok {
			return nil, fmt.Errorf("no signer for %s", u)
		}
		req.Parties = append(req.Parties, Party{Universe: u, Address: addr})
	}
	return req, nil
}

// ExpiresAt returns the expiry as a time
func (r *Request) ExpiresAt() time.Time {
	return time.Unix(int64(r.Expiry), 0)
}

// Party returns the signing address for universe u
func (r *Request) Party(u types.Universe) (types.Address, bool) {
	for _, p := range r.Parties {
		if p.Universe == u {
			return p.Address, true
		}
	}
	return types.Address{}, false
}
