package rff

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"ca-engine/pkg/types"
)

// requestArgs is the canonical ABI layout of a request. Field order of the wire
// structs below must follow it exactly.
var requestArgs = mustRequestArgs()

func mustRequestArgs() abi.Arguments {
	t, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "sources", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "universe", Type: "uint8"},
			{Name: "chainID", Type: "uint256"},
			{Name: "contractAddress", Type: "bytes32"},
			{Name: "value", Type: "uint256"},
		}},
		{Name: "destinationUniverse", Type: "uint8"},
		{Name: "destinationChainID", Type: "uint256"},
		{Name: "recipientAddress", Type: "bytes32"},
		{Name: "destinations", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "contractAddress", Type: "bytes32"},
			{Name: "value", Type: "uint256"},
		}},
		{Name: "nonce", Type: "uint256"},
		{Name: "expiry", Type: "uint256"},
		{Name: "parties", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "universe", Type: "uint8"},
			{Name: "account", Type: "bytes32"},
		}},
	})
	if err != nil {
		panic(fmt.Sprintf("rff: request abi: %v", err))
	}
	return abi.Arguments{{Name: "request", Type: t}}
}

type wireSource struct {
	Universe        uint8
	ChainID         *big.Int
	ContractAddress [32]byte
	Value           *big.Int
}

type wireDestination struct {
	ContractAddress [32]byte
	Value           *big.Int
}

type wireParty struct {
	Universe uint8
	Account  [32]byte
}

type wireRequest struct {
	Sources             []wireSource
	DestinationUniverse uint8
	DestinationChainID  *big.Int
	RecipientAddress    [32]byte
	Destinations        []wireDestination
	Nonce               *big.Int
	Expiry              *big.Int
	Parties             []wireParty
}

// Encode returns the canonical ABI encoding of r
func (r *Request) Encode() ([]byte, error) {
	if r.Nonce == nil {
		return nil, fmt.Errorf("request nonce is not set")
	}
	w := wireRequest{
		Sources:             make([]wireSource, len(r.Sources)),
		DestinationUniverse: uint8(r.DestinationUniverse),
		DestinationChainID:  new(big.Int).SetUint64(r.DestinationChainID),
		RecipientAddress:    r.RecipientAddress,
		Destinations:        make([]wireDestination, len(r.Destinations)),
		Nonce:               r.Nonce,
		Expiry:              new(big.Int).SetUint64(r.Expiry),
		Parties:             make([]wireParty, len(r.Parties)),
	}
	for i, s := range r.Sources {
		if s.Value == nil {
			return nil, fmt.Errorf("source %d has no value", i)
		}
		w.Sources[i] = wireSource{
			Universe:        uint8(s.Universe),
			ChainID:         new(big.Int).SetUint64(s.ChainID),
			ContractAddress: s.ContractAddress,
			Value:           s.Value,
		}
	}
	for i, d := range r.Destinations {
		if d.Value == nil {
			return nil, fmt.Errorf("destination %d has no value", i)
		}
		w.Destinations[i] = wireDestination{ContractAddress: d.ContractAddress, Value: d.Value}
	}
	for i, p := range r.Parties {
		w.Parties[i] = wireParty{Universe: uint8(p.Universe), Account: p.Address}
	}
	return requestArgs.Pack(w)
}

// Hash is keccak256 of the canonical encoding
func (r *Request) Hash() (common.Hash, error) {
	enc, err := r.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// Decode parses a canonical encoding back into a request
func Decode(data []byte) (req *Request, err error) {
	values, err := requestArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack request: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack request: got %d values", len(values))
	}
	defer func() {
		if r := recover(); r != nil {
			req, err = nil, fmt.Errorf("convert request: %v", r)
		}
	}()
	w := abi.ConvertType(values[0], new(wireRequest)).(*wireRequest)

	out := &Request{
		DestinationUniverse: types.Universe(w.DestinationUniverse),
		DestinationChainID:  w.DestinationChainID.Uint64(),
		RecipientAddress:    w.RecipientAddress,
		Nonce:               w.Nonce,
		Expiry:              w.Expiry.Uint64(),
	}
	for _, s := range w.Sources {
		out.Sources = append(out.Sources, Source{
			Universe:        types.Universe(s.Universe),
			ChainID:         s.ChainID.Uint64(),
			ContractAddress: s.ContractAddress,
			Value:           s.Value,
		})
	}
	for _, d := range w.Destinations {
		out.Destinations = append(out.Destinations, Destination{ContractAddress: d.ContractAddress, Value: d.Value})
	}
	for _, p := range w.Parties {
		out.Parties = append(out.Parties, Party{Universe: types.Universe(p.Universe), Address: p.Account})
	}
	return out, nil
}
