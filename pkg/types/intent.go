package types

import (
	"github.com/shopspring/decimal"
)

// Target is what the user wants to have on the destination chain
type Target struct {
	ChainID uint64
	Token   Token
	Amount  decimal.Decimal
	// Gas is an optional native-currency top-up delivered alongside Amount
	Gas       decimal.Decimal
	Recipient Address
}

// IntentSource is the amount taken from one holding
type IntentSource struct {
	Universe Universe
	ChainID  uint64
	Token    Token
	Amount   decimal.Decimal
	Holder   Address
}

// IntentDestination is what the solver must deliver
type IntentDestination struct {
	Universe  Universe
	ChainID   uint64
	Token     Token
	Amount    decimal.Decimal
	Gas       decimal.Decimal
	Recipient Address
}

// Fees breaks the borrow down into its fee components, all in destination token units
type Fees struct {
	// CAGas is the collection plus fulfilment cost paid for on the user's behalf
	CAGas       decimal.Decimal
	Collection  decimal.Decimal
	Fulfilment  decimal.Decimal
	Protocol    decimal.Decimal
	Solver      decimal.Decimal
	GasSupplied decimal.Decimal
}

// Total is the sum of all fees charged on top of the requested amount
func (f Fees) Total() decimal.Decimal {
	return f.Collection.Add(f.Fulfilment).Add(f.Protocol).Add(f.Solver)
}

// Strings renders every component as a decimal string for display
func (f Fees) Strings() map[string]string {
	return map[string]string{
		"caGas":       f.CAGas.String(),
		"collection":  f.Collection.String(),
		"fulfilment":  f.Fulfilment.String(),
		"protocol":    f.Protocol.String(),
		"solver":      f.Solver.String(),
		"gasSupplied": f.GasSupplied.String(),
		"total":       f.Total().String(),
	}
}

// Intent is the planned bridge: which holdings pay for which destination amount
type Intent struct {
	CycleID     string
	Destination IntentDestination
	Sources     []IntentSource
	// AllSources is the ranked candidate list the sources were picked from
	AllSources []IntentSource
	Fees       Fees
	// Required is the destination amount plus gas and fees that the sources must cover
	Required                       decimal.Decimal
	IsAvailableBalanceInsufficient bool
}

// SourcesTotal sums the selected source amounts
func (i *Intent) SourcesTotal() decimal.Decimal {
	total := decimal.Zero
	for _, s := range i.Sources {
		total = total.Add(s.Amount)
	}
	return total
}

// Universes returns the distinct universes touched by the intent, sources first
func (i *Intent) Universes() []Universe {
	seen := make(map[Universe]bool)
	var out []Universe
	for _, s := range i.Sources {
		if !seen[s.Universe] {
			seen[s.Universe] = true
			out = append(out, s.Universe)
		}
	}
	if !seen[i.Destination.Universe] {
		out = append(out, i.Destination.Universe)
	}
	return out
}
