package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABI = `[
{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
{"constant":false,"inputs":[{"name":"_from","type":"address"},{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
{"constant":false,"inputs":[{"name":"_spender","type":"address"},{"name":"_value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
{"constant":true,"inputs":[{"name":"_owner","type":"address"},{"name":"_spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"nonces","outputs":[{"name":"","type":"uint256"}],"type":"function"},
{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
{"constant":false,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"},{"name":"value","type":"uint256"},{"name":"deadline","type":"uint256"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"name":"permit","outputs":[],"type":"function"}
]`

const vaultABI = `[
{"inputs":[{"name":"requestHash","type":"bytes32"},{"name":"sourceIndex","type":"uint256"}],"name":"deposit","outputs":[],"stateMutability":"payable","type":"function"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"requestHash","type":"bytes32"},{"indexed":true,"name":"solver","type":"address"},{"indexed":false,"name":"timestamp","type":"uint256"}],"name":"Fulfilment","type":"event"}
]`

var (
	erc20 = mustABI(erc20ABI)
	vault = mustABI(vaultABI)
)

// FulfilmentTopic is the topic0 of the vault's Fulfilment event
var FulfilmentTopic = vault.Events["Fulfilment"].ID

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// Call is one contract invocation
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// PackTransfer encodes transfer(to, value)
func PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	return erc20.Pack("transfer", to, value)
}

// PackTransferFrom encodes transferFrom(from, to, value)
func PackTransferFrom(from, to common.Address, value *big.Int) ([]byte, error) {
	return erc20.Pack("transferFrom", from, to, value)
}

// PackApprove encodes approve(spender, value)
func PackApprove(spender common.Address, value *big.Int) ([]byte, error) {
	return erc20.Pack("approve", spender, value)
}

// PackPermit encodes an EIP-2612 permit call from a 65-byte signature
func PackPermit(owner, spender common.Address, value, deadline *big.Int, sig []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("permit signature must be 65 bytes, got %d", len(sig))
	}
	var r, s [32]byte
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return erc20.Pack("permit", owner, spender, value, deadline, v, r, s)
}

// PackDeposit encodes the vault's deposit(requestHash, sourceIndex)
func PackDeposit(requestHash common.Hash, sourceIndex int) ([]byte, error) {
	return vault.Pack("deposit", requestHash, big.NewInt(int64(sourceIndex)))
}

// TransferCall builds an ERC-20 transfer call on token
func TransferCall(token, to common.Address, value *big.Int) (Call, error) {
	data, err := PackTransfer(to, value)
	if err != nil {
		return Call{}, fmt.Errorf("pack transfer: %w", err)
	}
	return Call{To: token, Value: new(big.Int), Data: data}, nil
}

// ApproveCall builds an ERC-20 approve call on token
func ApproveCall(token, spender common.Address, value *big.Int) (Call, error) {
	data, err := PackApprove(spender, value)
	if err != nil {
		return Call{}, fmt.Errorf("pack approve: %w", err)
	}
	return Call{To: token, Value: new(big.Int), Data: data}, nil
}

// TransferFromCall builds an ERC-20 transferFrom call on token
func TransferFromCall(token, from, to common.Address, value *big.Int) (Call, error) {
	data, err := PackTransferFrom(from, to, value)
	if err != nil {
		return Call{}, fmt.Errorf("pack transferFrom: %w", err)
	}
	return Call{To: token, Value: new(big.Int), Data: data}, nil
}

func unpackUint(method string, out []byte) (*big.Int, error) {
	values, err := erc20.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: got %d values", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected %T", method, values[0])
	}
	return v, nil
}
