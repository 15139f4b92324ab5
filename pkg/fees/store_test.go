package fees

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ca-engine/pkg/types"
)

var (
	usdcArb  = types.AddressFromEVM(common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831"))
	usdcBase = types.AddressFromEVM(common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"))
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestStore(t *testing.T) {
	s := NewSchedule(10)
	s.Collection[types.TokenKey{ChainID: 42161, Address: usdcArb}] = big.NewInt(1_500_000)
	s.Fulfilment[types.TokenKey{ChainID: 8453, Address: usdcBase}] = big.NewInt(250_000)
	s.Solver[Route{
		Source:      types.TokenKey{ChainID: 42161, Address: usdcArb},
		Destination: types.TokenKey{ChainID: 8453, Address: usdcBase},
	}] = 3
	store := NewStore(s)

	tests := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"protocol", store.ProtocolFee(dec("100")), "0.1"},
		{"collection", store.CollectionFee(42161, usdcArb, 6), "1.5"},
		{"collection missing", store.CollectionFee(10, usdcArb, 6), "0"},
		{"fulfilment", store.FulfilmentFee(8453, usdcBase, 6), "0.25"},
		{"solver exact", store.SolverFee(42161, usdcArb, 8453, usdcBase, dec("100"), 6), "0.03"},
		{"solver rounds up", store.SolverFee(42161, usdcArb, 8453, usdcBase, dec("100.000001"), 6), "0.030001"},
		{"solver unknown route", store.SolverFee(1, usdcArb, 8453, usdcBase, dec("100"), 6), "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, dec(tt.want).Equal(tt.got), "want %s got %s", tt.want, tt.got)
		})
	}
}

func TestStoreIsSnapshot(t *testing.T) {
	s := NewSchedule(0)
	key := types.TokenKey{ChainID: 42161, Address: usdcArb}
	s.Collection[key] = big.NewInt(1_000_000)
	store := NewStore(s)

	s.Collection[key].SetInt64(9_000_000)
	s.ProtocolBP = 500

	require.True(t, dec("1").Equal(store.CollectionFee(42161, usdcArb, 6)))
	require.True(t, store.ProtocolFee(dec("100")).IsZero())
}

func TestSolverFeeMonotonic(t *testing.T) {
	s := NewSchedule(0)
	s.Solver[Route{
		Source:      types.TokenKey{ChainID: 42161, Address: usdcArb},
		Destination: types.TokenKey{ChainID: 8453, Address: usdcBase},
	}] = 7
	store := NewStore(s)

	prev := decimal.Zero
	for _, amount := range []string{"0.000001", "0.5", "1", "13.37", "1000", "1000.000001"} {
		fee := store.SolverFee(42161, usdcArb, 8453, usdcBase, dec(amount), 6)
		require.True(t, fee.GreaterThanOrEqual(prev), "fee for %s decreased", amount)
		prev = fee
	}
}

func TestSolverFeeRounding(t *testing.T) {
	route := Route{
		Source:      types.TokenKey{ChainID: 42161, Address: usdcArb},
		Destination: types.TokenKey{ChainID: 8453, Address: usdcBase},
	}
	tests := []struct {
		name     string
		bp       uint64
		amount   string
		decimals uint8
		want     string
	}{
		{"exact", 3, "100", 6, "0.03"},
		{"one unit over", 3, "100.000001", 6, "0.030001"},
		{"below one unit", 7, "0.000001", 6, "0.000001"},
		{"just under a unit boundary", 9, "33.333333", 6, "0.03"},
		{"whole unit token", 10, "1", 0, "1"},
		{"eighteen decimals exact", 1, "1", 18, "0.0001"},
		{"eighteen decimals past division precision", 3, "1.000000000000000001", 18, "0.000300000000000001"},
		{"one wei", 25, "0.000000000000000001", 18, "0.000000000000000001"},
		{"zero amount", 30, "0", 6, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSchedule(0)
			s.Solver[route] = tt.bp
			fee := NewStore(s).SolverFee(42161, usdcArb, 8453, usdcBase, dec(tt.amount), tt.decimals)
			assert.True(t, dec(tt.want).Equal(fee), "want %s got %s", tt.want, fee)
			assert.GreaterOrEqual(t, fee.Exponent(), -int32(tt.decimals), "fee carries sub-unit digits")

			// never below the exact rate
			exact := dec(tt.amount).Mul(decimal.NewFromInt(int64(tt.bp))).Div(decimal.NewFromInt(10_000))
			assert.True(t, fee.GreaterThanOrEqual(exact))
		})
	}
}

func TestProtocolFeeKeepsPrecision(t *testing.T) {
	store := NewStore(NewSchedule(3))
	fee := store.ProtocolFee(dec("1.000000000000000001"))
	assert.True(t, dec("0.0003000000000000000003").Equal(fee), fee.String())
}
