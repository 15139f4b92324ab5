// Package selector picks which holdings fund a bridge.
package selector

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"ca-engine/pkg/errs"
	"ca-engine/pkg/fees"
	"ca-engine/pkg/types"
)

// PriceOracle converts a native gas amount into destination token units
type PriceOracle interface {
	NativeToToken(ctx context.Context, chainID uint64, token types.Token, native decimal.Decimal) (decimal.Decimal, error)
}

// Input is everything a selection needs. Balances must already be restricted
// to holdings of the asset being bridged.
type Input struct {
	CycleID  string
	Target   types.Target
	Balances []types.Balance
	Fees     *fees.Store
	// Oracle is only consulted when Target.Gas is positive
	Oracle PriceOracle
	// AllowInsufficient returns a flagged intent instead of an error when funds run short
	AllowInsufficient bool
}

// Select greedily walks the ranked holdings, accruing each source's collection and
// solver fee as it is added, until the borrow including fees is covered.
func Select(ctx context.Context, in Input) (*types.Intent, error) {
	if in.Fees == nil {
		return nil, fmt.Errorf("selector: fee store is required")
	}
	target := in.Target
	if !target.Amount.IsPositive() {
		return nil, fmt.Errorf("selector: amount must be positive, got %s", target.Amount)
	}
	dst := target.Token

	gasInToken := decimal.Zero
	if target.Gas.IsPositive() {
		if in.Oracle == nil {
			return nil, fmt.Errorf("selector: gas top-up requested without a price oracle")
		}
		converted, err := in.Oracle.NativeToToken(ctx, target.ChainID, dst, target.Gas)
		if err != nil {
			return nil, fmt.Errorf("selector: convert gas: %w", err)
		}
		gasInToken = converted.RoundCeil(int32(dst.Decimals))
	}

	borrow := target.Amount.Add(gasInToken)
	fee := types.Fees{
		Protocol:    in.Fees.ProtocolFee(borrow),
		Fulfilment:  in.Fees.FulfilmentFee(target.ChainID, dst.Address, dst.Decimals),
		GasSupplied: gasInToken,
		Collection:  decimal.Zero,
		Solver:      decimal.Zero,
	}
	borrowWithFee := borrow.Add(fee.Protocol).Add(fee.Fulfilment)

	ranked := Rank(in.Balances, target.ChainID)
	intent := &types.Intent{
		CycleID: in.CycleID,
		Destination: types.IntentDestination{
			Universe:  dst.Universe,
			ChainID:   target.ChainID,
			Token:     dst,
			Amount:    target.Amount,
			Gas:       target.Gas,
			Recipient: target.Recipient,
		},
		AllSources: make([]types.IntentSource, 0, len(ranked)),
	}

	accounted := decimal.Zero
	for _, b := range ranked {
		intent.AllSources = append(intent.AllSources, sourceOf(b, b.Amount))
	}
	for _, b := range ranked {
		if accounted.GreaterThanOrEqual(borrowWithFee) {
			break
		}
		if b.Token.ChainID == target.ChainID || !b.Amount.IsPositive() {
			continue
		}
		src := b.Token

		collection := in.Fees.CollectionFee(src.ChainID, src.Address, src.Decimals)
		fee.Collection = fee.Collection.Add(collection)
		borrowWithFee = borrowWithFee.Add(collection)

		take := decimal.Min(b.Amount, ceilUnits(borrowWithFee.Sub(accounted), src.Decimals))
		solver := in.Fees.SolverFee(src.ChainID, src.Address, target.ChainID, dst.Address, take, src.Decimals)
		fee.Solver = fee.Solver.Add(solver)
		borrowWithFee = borrowWithFee.Add(solver)

		take = decimal.Min(b.Amount, ceilUnits(borrowWithFee.Sub(accounted), src.Decimals))
		intent.Sources = append(intent.Sources, sourceOf(b, take))
		accounted = accounted.Add(take)
	}

	fee.CAGas = fee.Collection.Add(fee.Fulfilment)
	intent.Fees = fee
	intent.Required = borrowWithFee

	if accounted.LessThan(borrowWithFee) {
		if in.AllowInsufficient {
			intent.IsAvailableBalanceInsufficient = true
			return intent, nil
		}
		return nil, errs.Insufficient("select", borrowWithFee, accounted)
	}
	return intent, nil
}

// ceilUnits rounds d up to a whole smallest unit with at most decimals places
func ceilUnits(d decimal.Decimal, decimals uint8) decimal.Decimal {
	places := int32(decimals)
	return d.RoundCeil(places).Truncate(places)
}

func sourceOf(b types.Balance, amount decimal.Decimal) types.IntentSource {
	return types.IntentSource{
		Universe: b.Token.Universe,
		ChainID:  b.Token.ChainID,
		Token:    b.Token,
		Amount:   amount,
		Holder:   b.Holder,
	}
}
