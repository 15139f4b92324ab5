package types

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Token describes a fungible asset on one chain. Native currencies use the zero address.
type Token struct {
	ChainID  uint64
	Universe Universe
	Address  Address
	Symbol   string
	Decimals uint8
	Native   bool
	Permit   PermitVariant
}

// PermitVariant is how an owner grants a spender access to a token
type PermitVariant uint8

const (
	// PermitApprove uses an on-chain approve transaction
	PermitApprove PermitVariant = iota
	// PermitEIP2612 uses an off-chain signed permit
	PermitEIP2612
	// PermitNone applies to native currency, which is sent rather than approved
	PermitNone
)

func (p PermitVariant) String() string {
	switch p {
	case PermitApprove:
		return "approve"
	case PermitEIP2612:
		return "eip2612"
	case PermitNone:
		return "none"
	default:
		return fmt.Sprintf("permit(%d)", uint8(p))
	}
}

// ParsePermitVariant accepts the names printed by String
func ParsePermitVariant(s string) (PermitVariant, error) {
	switch s {
	case "", "approve":
		return PermitApprove, nil
	case "eip2612":
		return PermitEIP2612, nil
	case "none":
		return PermitNone, nil
	default:
		return 0, fmt.Errorf("unknown permit variant %q", s)
	}
}

// PermitKind resolves the effective variant; native tokens never need approval
func (t Token) PermitKind() PermitVariant {
	if t.Native {
		return PermitNone
	}
	return t.Permit
}

// TokenKey identifies a token independently of its metadata
type TokenKey struct {
	ChainID uint64
	Address Address
}

func (t Token) Key() TokenKey {
	return TokenKey{ChainID: t.ChainID, Address: t.Address}
}

func (t Token) String() string {
	return fmt.Sprintf("%s@%d", t.Symbol, t.ChainID)
}

// Balance is a holding of Token by Holder, in human units
type Balance struct {
	Token  Token
	Amount decimal.Decimal
	Holder Address
}

// ToBaseUnits converts a human-unit amount into the token's smallest unit, truncating any excess precision
func ToBaseUnits(amount decimal.Decimal, decimals uint8) *big.Int {
	return amount.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FromBaseUnits converts a smallest-unit integer into human units
func FromBaseUnits(v *big.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}
