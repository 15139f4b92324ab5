package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"ca-engine/pkg/types"
)

// Command is a parsed natural language request
type Command struct {
	Amount decimal.Decimal
	// Token is the asset the amount is denominated in
	Token string
	// To is either a chain name or a token symbol
	To string
	// Chain is the explicit destination chain of "... on <chain>"
	Chain string
}

// Pattern: [swap|bridge] <amount> <token> TO <chain or token> [ON <chain>]
var commandPattern = regexp.MustCompile(`^(?:(?:SWAP|BRIDGE|PLAN)\s+)?(\d+\.?\d*|\.\d+)\s+([A-Z0-9.]+)\s+TO\s+([A-Z0-9._-]+)(?:\s+ON\s+([A-Z0-9._-]+))?$`)

// ParseCommand parses a natural language command
// Examples:
//   - "100 USDC to base"
//   - "bridge 0.5 ETH to arbitrum"
//   - "50 USDC to WETH on base"
func ParseCommand(command string) (*Command, error) {
	normalized := strings.Join(strings.Fields(strings.ToUpper(command)), " ")

	matches := commandPattern.FindStringSubmatch(normalized)
	if matches == nil {
		return nil, fmt.Errorf("invalid command format. Expected: '<amount> <token> to <chain|token> [on <chain>]' (e.g., '100 USDC to base')")
	}

	amount, err := decimal.NewFromString(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", matches[1], err)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive")
	}

	return &Command{
		Amount: amount,
		Token:  NormalizeTokenSymbol(matches[2]),
		To:     matches[3],
		Chain:  strings.ToLower(matches[4]),
	}, nil
}

// ChainLookup resolves chains by name
type ChainLookup interface {
	ChainByName(name string) (types.Chain, error)
}

// Destination resolves where the command delivers. "<token> to <chain>" keeps the
// token; "<token> to <token> on <chain>" swaps into the second token. The
// returned symbol is the token wanted on the destination chain.
func (c *Command) Destination(chains ChainLookup) (types.Chain, string, error) {
	if c.Chain != "" {
		chain, err := chains.ChainByName(c.Chain)
		if err != nil {
			return types.Chain{}, "", err
		}
		return chain, NormalizeTokenSymbol(c.To), nil
	}
	chain, err := chains.ChainByName(strings.ToLower(c.To))
	if err != nil {
		return types.Chain{}, "", fmt.Errorf("'%s' is not a known chain; name the destination with 'on <chain>': %w", strings.ToLower(c.To), err)
	}
	return chain, c.Token, nil
}

// IsSwap reports whether the command changes the asset
func (c *Command) IsSwap(chains ChainLookup) bool {
	_, symbol, err := c.Destination(chains)
	return err == nil && symbol != c.Token
}

// NormalizeTokenSymbol normalizes token symbols to standard format
func NormalizeTokenSymbol(symbol string) string {
	symbol = strings.TrimSpace(strings.ToUpper(symbol))

	// Bridged variants share the canonical symbol
	aliases := map[string]string{
		"USDC.E": "USDC",
		"USDBC":  "USDC",
	}

	if normalized, exists := aliases[symbol]; exists {
		return normalized
	}

	return symbol
}
