package sbc

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// TypedData is the EIP-712 payload the account owner signs for b
func TypedData(b *Batch) apitypes.TypedData {
	calls := make([]interface{}, len(b.Calls))
	for i, c := range b.Calls {
		value := c.Value
		if value == nil {
			value = new(big.Int)
		}
		data := c.Data
		if data == nil {
			data = []byte{}
		}
		calls[i] = map[string]interface{}{
			"to":    c.To.Hex(),
			"value": value,
			"data":  data,
		}
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"BatchCall": {
				{Name: "calls", Type: "Call[]"},
				{Name: "deadline", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "revertOnFailure", Type: "bool"},
			},
			"Call": {
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "data", Type: "bytes"},
			},
		},
		PrimaryType: "BatchCall",
		Domain: apitypes.TypedDataDomain{
			Name:              "BatchCall",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(int64(b.ChainID)),
			VerifyingContract: b.Account.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"calls":           calls,
			"deadline":        b.Deadline,
			"nonce":           b.Nonce,
			"revertOnFailure": b.RevertOnFailure,
		},
	}
}

// Permit describes an EIP-2612 approval signed off-chain
type Permit struct {
	TokenName string
	Version   string
	ChainID   uint64
	Token     common.Address
	Owner     common.Address
	Spender   common.Address
	Value     *big.Int
	Nonce     *big.Int
	Deadline  *big.Int
}

// PermitTypedData is the EIP-712 payload of p
func PermitTypedData(p Permit) apitypes.TypedData {
	version := p.Version
	if version == "" {
		version = "1"
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Permit": {
				{Name: "owner", Type: "address"},
				{Name: "spender", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "Permit",
		Domain: apitypes.TypedDataDomain{
			Name:              p.TokenName,
			Version:           version,
			ChainId:           math.NewHexOrDecimal256(int64(p.ChainID)),
			VerifyingContract: p.Token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"owner":    p.Owner.Hex(),
			"spender":  p.Spender.Hex(),
			"value":    p.Value,
			"nonce":    p.Nonce,
			"deadline": p.Deadline,
		},
	}
}
