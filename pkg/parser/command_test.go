package parser

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ca-engine/pkg/types"
)

type chains map[string]types.Chain

func (c chains) ChainByName(name string) (types.Chain, error) {
	if ch, ok := c[name]; ok {
		return ch, nil
	}
	return types.Chain{}, errors.New("unknown chain")
}

var known = chains{
	"base":     {ID: 8453, Name: "base"},
	"arbitrum": {ID: 42161, Name: "arbitrum"},
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		amount  string
		token   string
		to      string
		chain   string
		wantErr bool
	}{
		{name: "bridge", input: "100 USDC to base", amount: "100", token: "USDC", to: "BASE"},
		{name: "verb and decimals", input: "bridge 0.5 eth to arbitrum", amount: "0.5", token: "ETH", to: "ARBITRUM"},
		{name: "swap on chain", input: "swap 50 usdc to weth on base", amount: "50", token: "USDC", to: "WETH", chain: "base"},
		{name: "extra spaces", input: "  25   USDC   TO   base ", amount: "25", token: "USDC", to: "BASE"},
		{name: "alias", input: "10 USDC.e to base", amount: "10", token: "USDC", to: "BASE"},
		{name: "missing to", input: "100 USDC base", wantErr: true},
		{name: "zero", input: "0 USDC to base", wantErr: true},
		{name: "negative", input: "-1 USDC to base", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.amount).Equal(cmd.Amount))
			assert.Equal(t, tt.token, cmd.Token)
			assert.Equal(t, tt.to, cmd.To)
			assert.Equal(t, tt.chain, cmd.Chain)
		})
	}
}

func TestDestination(t *testing.T) {
	bridge, err := ParseCommand("100 USDC to base")
	require.NoError(t, err)
	chain, symbol, err := bridge.Destination(known)
	require.NoError(t, err)
	assert.Equal(t, uint64(8453), chain.ID)
	assert.Equal(t, "USDC", symbol)
	assert.False(t, bridge.IsSwap(known))

	swap, err := ParseCommand("50 USDC to WETH on arbitrum")
	require.NoError(t, err)
	chain, symbol, err = swap.Destination(known)
	require.NoError(t, err)
	assert.Equal(t, uint64(42161), chain.ID)
	assert.Equal(t, "WETH", symbol)
	assert.True(t, swap.IsSwap(known))

	ambiguous, err := ParseCommand("50 USDC to WETH")
	require.NoError(t, err)
	_, _, err = ambiguous.Destination(known)
	assert.Error(t, err)
}
