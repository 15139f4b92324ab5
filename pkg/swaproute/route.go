// Package swaproute plans and executes swaps that may cross chains.
//
// Every leg settles through the chain's common denominator token (COT): source
// holdings are swapped into COT, COT is bridged to the destination chain, and the
// destination swap turns COT into the requested token. Swaps run from an
// engine-held ephemeral account that the owner funds and that sweeps the result
// back out.
package swaproute

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"ca-engine/pkg/chain/evm"
	"ca-engine/pkg/types"
)

// Mode selects which side of the swap is fixed
type Mode int

const (
	ExactIn Mode = iota
	ExactOut
)

func (m Mode) String() string {
	switch m {
	case ExactIn:
		return "EXACT_IN"
	case ExactOut:
		return "EXACT_OUT"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// QuoteRequest asks an aggregator for a same-chain swap
type QuoteRequest struct {
	Mode     Mode
	ChainID  uint64
	TokenIn  types.Token
	TokenOut types.Token
	// Amount is the input for ExactIn and the output for ExactOut
	Amount decimal.Decimal
	// Sender funds the swap; Recipient receives the output
	Sender    common.Address
	Recipient common.Address
}

// Quote is an executable swap
type Quote struct {
	Request   QuoteRequest
	AmountIn  decimal.Decimal
	AmountOut decimal.Decimal
	// Spender must be approved for AmountIn before Calls run. Zero when Calls
	// move the input themselves.
	Spender   common.Address
	Calls     []evm.Call
	// Ref is the aggregator's handle on the quote, such as a deposit address
	Ref       string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether q can no longer be executed at now
func (q *Quote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && !now.Before(q.ExpiresAt)
}

// Stale reports whether q is expired or older than freshness
func (q *Quote) Stale(now time.Time, freshness time.Duration) bool {
	return q.Expired(now) || (freshness > 0 && now.Sub(q.CreatedAt) > freshness)
}

// Aggregator quotes same-chain swaps
type Aggregator interface {
	Quote(ctx context.Context, req QuoteRequest) (*Quote, error)
}

// Request is a user swap
type Request struct {
	Mode Mode
	// Destination is the token wanted, on its chain
	Destination types.Token
	// Amount is the input to spend for ExactIn and the output to receive for ExactOut
	Amount    decimal.Decimal
	Recipient common.Address
	// Holdings are the owner's balances that may fund the swap. ExactIn spends them
	// in rank order until Amount is used up and expects them to share one asset.
	Holdings []types.Balance
}

// Pull moves owner funds into the ephemeral account inside a source batch
type Pull struct {
	Token  types.Token
	Amount decimal.Decimal
}

// Leg is the work done on one holding
type Leg struct {
	Holding types.Balance
	// Amount of the holding consumed
	Amount decimal.Decimal
	// Swap is nil when the holding already is COT
	Swap *Quote
}

// COTOut is the COT the leg leaves in the ephemeral account
func (l Leg) COTOut() decimal.Decimal {
	if l.Swap == nil {
		return l.Amount
	}
	return l.Swap.AmountOut
}

// SourcePlan groups the legs executed before bridging
type SourcePlan struct {
	Legs      []Leg
	CreatedAt time.Time
}

// Swaps returns every quote of the plan
func (s SourcePlan) Swaps() []*Quote {
	var out []*Quote
	for _, l := range s.Legs {
		if l.Swap != nil {
			out = append(out, l.Swap)
		}
	}
	return out
}

// Chains returns the distinct chains with legs, in leg order
func (s SourcePlan) Chains() []uint64 {
	seen := make(map[uint64]bool)
	var out []uint64
	for _, l := range s.Legs {
		id := l.Holding.Token.ChainID
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// DestinationKind says whether a destination swap is needed
type DestinationKind int

const (
	// DestinationTransfer delivers COT as is
	DestinationTransfer DestinationKind = iota
	// DestinationSwap converts COT into the requested token
	DestinationSwap
)

// Band bounds the COT a requoted ExactOut destination swap may consume
type Band struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// DestinationPlan is the final step on the destination chain
type DestinationPlan struct {
	Kind           DestinationKind
	COT            types.Token
	Swap           *Quote
	Band           *Band
	// COTAvailable is the COT the ephemeral account will hold before the final batch
	COTAvailable   decimal.Decimal
	// EOAToEphemeral moves owner-held destination COT into the ephemeral account
	EOAToEphemeral *evm.Call
	EOAAmount      decimal.Decimal
	// FetchSwap re-quotes the destination swap with current prices. cot is the
	// COT on hand, which only sizes ExactIn quotes.
	FetchSwap      func(ctx context.Context, cot decimal.Decimal) (*Quote, error)
}

// Route is a planned swap
type Route struct {
	Mode        Mode
	Request     Request
	Owner       common.Address
	Ephemeral   common.Address
	Source      SourcePlan
	Bridge      *types.Intent
	Destination DestinationPlan
	// Resize re-plans the bridge for the given ephemeral COT holdings against a
	// fresh fee schedule, never delivering more than the planned bridge
	Resize func(ctx context.Context, holdings []types.Balance) (*types.Intent, error)
}

// BridgeHoldings are the ephemeral COT balances the planned bridge draws on
func (r *Route) BridgeHoldings() []types.Balance {
	if r.Bridge == nil {
		return nil
	}
	out := make([]types.Balance, 0, len(r.Bridge.Sources))
	for _, s := range r.Bridge.Sources {
		out = append(out, types.Balance{Token: s.Token, Amount: s.Amount, Holder: s.Holder})
	}
	return out
}

// BridgeSource returns the bridge amount drawn on chainID
func (r *Route) BridgeSource(chainID uint64) decimal.Decimal {
	total := decimal.Zero
	if r.Bridge == nil {
		return total
	}
	for _, s := range r.Bridge.Sources {
		if s.ChainID == chainID {
			total = total.Add(s.Amount)
		}
	}
	return total
}
