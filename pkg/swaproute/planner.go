package swaproute

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ca-engine/pkg/chain/evm"
	"ca-engine/pkg/errs"
	"ca-engine/pkg/fees"
	"ca-engine/pkg/selector"
	"ca-engine/pkg/types"
)

// maxSizingRounds bounds the fee fixed point search of sizeBridge
const maxSizingRounds = 4

// Plan builds a route for req executed by the ephemeral account eph
func (r *Router) Plan(ctx context.Context, req Request, eph common.Address) (*Route, error) {
	owner, err := req.validate()
	if err != nil {
		return nil, err
	}
	if eph == (common.Address{}) {
		return nil, fmt.Errorf("ephemeral account is required")
	}
	if req.Destination.Universe != types.UniverseEVM {
		return nil, errs.New(errs.KindUnsupported, "plan swap", fmt.Errorf("swaps into %s are not supported", req.Destination.Universe))
	}
	dstCOT, err := r.registry.COT(req.Destination.ChainID)
	if err != nil {
		return nil, err
	}

	p := &planning{
		Router: r,
		cycle:  uuid.NewString(),
		req:    req,
		owner:  owner,
		eph:    eph,
		dstCOT: dstCOT,
	}
	var route *Route
	switch req.Mode {
	case ExactIn:
		route, err = p.exactIn(ctx)
	case ExactOut:
		route, err = p.exactOut(ctx)
	default:
		return nil, fmt.Errorf("unknown swap mode %s", req.Mode)
	}
	if err != nil {
		return nil, err
	}
	route.Source.CreatedAt = r.now()

	log := r.log.WithFields(logrus.Fields{
		"mode":     req.Mode.String(),
		"cycle_id": p.cycle,
		"legs":     len(route.Source.Legs),
		"cot":      route.Destination.COTAvailable.String(),
	})
	if route.Bridge != nil {
		log = log.WithField("bridged", route.Bridge.Destination.Amount.String())
	}
	log.Info("Swap route planned")
	return route, nil
}

func (req Request) validate() (common.Address, error) {
	if !req.Amount.IsPositive() {
		return common.Address{}, fmt.Errorf("swap amount must be positive, got %s", req.Amount)
	}
	if req.Recipient == (common.Address{}) {
		return common.Address{}, fmt.Errorf("swap recipient is required")
	}
	var owner types.Address
	for _, h := range req.Holdings {
		if h.Token.Universe != types.UniverseEVM {
			return common.Address{}, errs.New(errs.KindUnsupported, "plan swap", fmt.Errorf("holding %s is outside the EVM universe", h.Token))
		}
		if owner.IsZero() {
			owner = h.Holder
		} else if h.Holder != owner {
			return common.Address{}, fmt.Errorf("holdings belong to more than one owner")
		}
	}
	if owner.IsZero() {
		return common.Address{}, errs.Insufficient("plan swap", req.Amount, decimal.Zero)
	}
	return owner.EVM(), nil
}

// planning carries the state of one Plan call
type planning struct {
	*Router
	cycle  string
	req    Request
	owner  common.Address
	eph    common.Address
	dstCOT types.Token
}

func (p *planning) dstChain() uint64 {
	return p.req.Destination.ChainID
}

func (p *planning) exactIn(ctx context.Context) (*Route, error) {
	// spend destination chain holdings first, then the largest remote ones
	ranked := selector.Rank(p.req.Holdings, p.dstChain())
	slices.Reverse(ranked)

	remaining := p.req.Amount
	var legs []Leg
	for _, h := range ranked {
		if !remaining.IsPositive() {
			break
		}
		if !h.Amount.IsPositive() {
			continue
		}
		take := decimal.Min(h.Amount, remaining)
		leg, err := p.liquidate(ctx, h, take)
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg)
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return nil, errs.Insufficient("plan swap", p.req.Amount, p.req.Amount.Sub(remaining))
	}

	eoa, local := decimal.Zero, decimal.Zero
	remote := make(map[uint64]decimal.Decimal)
	var sourceLegs []Leg
	for _, l := range legs {
		switch {
		case l.Holding.Token.ChainID == p.dstChain() && l.Swap == nil:
			eoa = eoa.Add(l.Amount)
			continue
		case l.Holding.Token.ChainID == p.dstChain():
			local = local.Add(p.minOut(l))
		default:
			remote[l.Holding.Token.ChainID] = remote[l.Holding.Token.ChainID].Add(p.minOut(l))
		}
		sourceLegs = append(sourceLegs, l)
	}

	route := p.route(sourceLegs)
	if len(remote) > 0 {
		holdings, err := p.cotHoldings(remote)
		if err != nil {
			return nil, err
		}
		intent, err := p.sizeBridge(ctx, holdings, sumBalances(holdings))
		if err != nil {
			return nil, err
		}
		p.attachBridge(route, intent)
	}

	available := eoa.Add(local)
	if route.Bridge != nil {
		available = available.Add(route.Bridge.Destination.Amount)
	}
	dst, err := p.destination(ctx, available, eoa, nil)
	if err != nil {
		return nil, err
	}
	route.Destination = dst
	return route, nil
}

func (p *planning) exactOut(ctx context.Context) (*Route, error) {
	var (
		swap *Quote
		band *Band
		need decimal.Decimal
	)
	if p.req.Destination.Key() == p.dstCOT.Key() {
		need = p.req.Amount
	} else {
		q, err := p.quote(ctx, QuoteRequest{
			Mode:      ExactOut,
			ChainID:   p.dstChain(),
			TokenIn:   p.dstCOT,
			TokenOut:  p.req.Destination,
			Amount:    p.req.Amount,
			Sender:    p.eph,
			Recipient: p.req.Recipient,
		})
		if err != nil {
			return nil, err
		}
		swap = q
		need = q.AmountIn.Mul(p.opts.DestinationBuffer).RoundCeil(int32(p.dstCOT.Decimals))
		band = &Band{Min: q.AmountIn, Max: need}
	}

	// owner COT already on the destination chain goes first
	eoa := decimal.Zero
	for _, h := range p.req.Holdings {
		if h.Token.Key() == p.dstCOT.Key() {
			eoa = eoa.Add(decimal.Min(h.Amount, need.Sub(eoa)))
		}
	}
	remaining := need.Sub(eoa)

	route := p.route(nil)
	if remaining.IsPositive() {
		capacity, estimates, err := p.capacity(ctx)
		if err != nil {
			return nil, err
		}
		intent, err := p.selectBridge(ctx, capacity, remaining)
		if err != nil {
			return nil, err
		}
		legs, err := p.fund(ctx, intent, estimates)
		if err != nil {
			return nil, err
		}
		route.Source.Legs = legs
		p.attachBridge(route, intent)
	}

	available := eoa
	if route.Bridge != nil {
		available = available.Add(route.Bridge.Destination.Amount)
	}
	dst, err := p.destination(ctx, available, eoa, swap)
	if err != nil {
		return nil, err
	}
	dst.Band = band
	route.Destination = dst
	return route, nil
}

func (p *planning) route(legs []Leg) *Route {
	return &Route{
		Mode:      p.req.Mode,
		Request:   p.req,
		Owner:     p.owner,
		Ephemeral: p.eph,
		Source:    SourcePlan{Legs: legs},
	}
}

func (p *planning) attachBridge(route *Route, intent *types.Intent) {
	limit := intent.Destination.Amount
	route.Bridge = intent
	route.Resize = func(ctx context.Context, holdings []types.Balance) (*types.Intent, error) {
		return p.sizeBridge(ctx, holdings, limit)
	}
}

// liquidate turns amount of h into COT on its own chain
func (p *planning) liquidate(ctx context.Context, h types.Balance, amount decimal.Decimal) (Leg, error) {
	cot, err := p.registry.COT(h.Token.ChainID)
	if err != nil {
		return Leg{}, err
	}
	if h.Token.Key() == cot.Key() {
		return Leg{Holding: h, Amount: amount}, nil
	}
	q, err := p.quote(ctx, QuoteRequest{
		Mode:      ExactIn,
		ChainID:   h.Token.ChainID,
		TokenIn:   h.Token,
		TokenOut:  cot,
		Amount:    amount,
		Sender:    p.eph,
		Recipient: p.eph,
	})
	if err != nil {
		return Leg{}, err
	}
	return Leg{Holding: h, Amount: amount, Swap: q}, nil
}

// minOut is the COT a leg is counted for: the quoted output less slippage
func (p *planning) minOut(l Leg) decimal.Decimal {
	return minOut(l, p.opts.Slippage)
}

func minOut(l Leg, slippage decimal.Decimal) decimal.Decimal {
	if l.Swap == nil {
		return l.Amount
	}
	out := l.Swap.AmountOut.Mul(decimal.NewFromInt(1).Sub(slippage))
	return out.RoundFloor(int32(l.Swap.Request.TokenOut.Decimals))
}

// capacity estimates the COT each remote chain could produce by liquidating
// every holding there. Non-COT holdings on the destination chain are not used.
func (p *planning) capacity(ctx context.Context) ([]types.Balance, map[int]*Quote, error) {
	perChain := make(map[uint64]decimal.Decimal)
	estimates := make(map[int]*Quote)
	for i, h := range p.req.Holdings {
		if h.Token.ChainID == p.dstChain() || !h.Amount.IsPositive() {
			continue
		}
		leg, err := p.liquidate(ctx, h, h.Amount)
		if err != nil {
			return nil, nil, err
		}
		if leg.Swap != nil {
			estimates[i] = leg.Swap
		}
		perChain[h.Token.ChainID] = perChain[h.Token.ChainID].Add(p.minOut(leg))
	}
	holdings, err := p.cotHoldings(perChain)
	if err != nil {
		return nil, nil, err
	}
	return holdings, estimates, nil
}

// fund sizes the source legs so every chain the bridge draws on yields its share
func (p *planning) fund(ctx context.Context, intent *types.Intent, estimates map[int]*Quote) ([]Leg, error) {
	needs := make(map[uint64]decimal.Decimal)
	var order []uint64
	for _, s := range intent.Sources {
		if _, ok := needs[s.ChainID]; !ok {
			order = append(order, s.ChainID)
		}
		needs[s.ChainID] = needs[s.ChainID].Add(s.Amount)
	}

	var legs []Leg
	for _, chainID := range order {
		cot, err := p.registry.COT(chainID)
		if err != nil {
			return nil, err
		}
		shortfall := needs[chainID]

		var others []int
		for i, h := range p.req.Holdings {
			if h.Token.ChainID != chainID || !h.Amount.IsPositive() {
				continue
			}
			if h.Token.Key() != cot.Key() {
				others = append(others, i)
				continue
			}
			if !shortfall.IsPositive() {
				continue
			}
			take := decimal.Min(h.Amount, shortfall)
			legs = append(legs, Leg{Holding: h, Amount: take})
			shortfall = shortfall.Sub(take)
		}

		sort.SliceStable(others, func(a, b int) bool {
			return p.req.Holdings[others[a]].Amount.GreaterThan(p.req.Holdings[others[b]].Amount)
		})
		for _, i := range others {
			if !shortfall.IsPositive() {
				break
			}
			h := p.req.Holdings[i]
			want := shortfall.Mul(p.opts.SourceBuffer).RoundCeil(int32(cot.Decimals))
			q, err := p.quote(ctx, QuoteRequest{
				Mode:      ExactOut,
				ChainID:   chainID,
				TokenIn:   h.Token,
				TokenOut:  cot,
				Amount:    want,
				Sender:    p.eph,
				Recipient: p.eph,
			})
			if err != nil {
				return nil, err
			}
			if q.AmountIn.LessThanOrEqual(h.Amount) {
				legs = append(legs, Leg{Holding: h, Amount: q.AmountIn, Swap: q})
				shortfall = decimal.Zero
				break
			}
			// the whole holding is not enough on its own
			est, ok := estimates[i]
			if !ok {
				return nil, fmt.Errorf("no liquidation estimate for %s", h.Token)
			}
			leg := Leg{Holding: h, Amount: h.Amount, Swap: est}
			legs = append(legs, leg)
			shortfall = shortfall.Sub(p.minOut(leg))
		}
		if shortfall.IsPositive() {
			return nil, errs.Insufficient(fmt.Sprintf("fund chain %d", chainID), needs[chainID], needs[chainID].Sub(shortfall))
		}
	}
	return legs, nil
}

// cotHoldings turns per-chain COT amounts into ephemeral balances, in chain id order
func (p *planning) cotHoldings(perChain map[uint64]decimal.Decimal) ([]types.Balance, error) {
	ids := make([]uint64, 0, len(perChain))
	for id := range perChain {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]types.Balance, 0, len(ids))
	for _, id := range ids {
		if !perChain[id].IsPositive() {
			continue
		}
		cot, err := p.registry.COT(id)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Balance{Token: cot, Amount: perChain[id], Holder: types.AddressFromEVM(p.eph)})
	}
	return out, nil
}

func (p *planning) target(amount decimal.Decimal) types.Target {
	return types.Target{
		ChainID:   p.dstChain(),
		Token:     p.dstCOT,
		Amount:    amount,
		Recipient: types.AddressFromEVM(p.eph),
	}
}

// selectBridge plans a bridge delivering exactly amount
func (p *planning) selectBridge(ctx context.Context, holdings []types.Balance, amount decimal.Decimal) (*types.Intent, error) {
	store, err := fees.Load(ctx, p.fees)
	if err != nil {
		return nil, fmt.Errorf("load fees: %w", err)
	}
	return selector.Select(ctx, selector.Input{
		CycleID:  p.cycle,
		Target:   p.target(amount),
		Balances: holdings,
		Fees:     store,
		Oracle:   p.oracle,
	})
}

// sizeBridge finds the largest delivery, up to limit, that holdings can pay for
// including fees
func (p *planning) sizeBridge(ctx context.Context, holdings []types.Balance, limit decimal.Decimal) (*types.Intent, error) {
	store, err := fees.Load(ctx, p.fees)
	if err != nil {
		return nil, fmt.Errorf("load fees: %w", err)
	}
	total := sumBalances(holdings)
	dec := int32(p.dstCOT.Decimals)
	amount := decimal.Min(limit, total).RoundFloor(dec)
	for round := 0; round < maxSizingRounds && amount.IsPositive(); round++ {
		intent, err := selector.Select(ctx, selector.Input{
			CycleID:           p.cycle,
			Target:            p.target(amount),
			Balances:          holdings,
			Fees:              store,
			Oracle:            p.oracle,
			AllowInsufficient: true,
		})
		if err != nil {
			return nil, err
		}
		if !intent.IsAvailableBalanceInsufficient {
			return intent, nil
		}
		amount = amount.Sub(intent.Required.Sub(total)).RoundFloor(dec)
	}
	return nil, errs.Insufficient("size bridge", limit, decimal.Max(amount, decimal.Zero))
}

// destination plans the final batch. swap is the ExactOut quote when one was
// already fetched.
func (p *planning) destination(ctx context.Context, available, eoa decimal.Decimal, swap *Quote) (DestinationPlan, error) {
	dst := DestinationPlan{
		Kind:         DestinationTransfer,
		COT:          p.dstCOT,
		COTAvailable: available,
		EOAAmount:    eoa,
	}
	if eoa.IsPositive() {
		call, err := evm.TransferCall(p.dstCOT.Address.EVM(), p.eph, types.ToBaseUnits(eoa, p.dstCOT.Decimals))
		if err != nil {
			return DestinationPlan{}, err
		}
		dst.EOAToEphemeral = &call
	}
	if p.req.Destination.Key() == p.dstCOT.Key() {
		return dst, nil
	}

	mode, fixed := p.req.Mode, p.req.Amount
	dst.Kind = DestinationSwap
	dst.FetchSwap = func(ctx context.Context, cot decimal.Decimal) (*Quote, error) {
		amount := fixed
		if mode == ExactIn {
			amount = cot
		}
		return p.quote(ctx, QuoteRequest{
			Mode:      mode,
			ChainID:   p.dstChain(),
			TokenIn:   p.dstCOT,
			TokenOut:  p.req.Destination,
			Amount:    amount,
			Sender:    p.eph,
			Recipient: p.req.Recipient,
		})
	}
	if swap == nil {
		q, err := dst.FetchSwap(ctx, available)
		if err != nil {
			return DestinationPlan{}, err
		}
		swap = q
	}
	dst.Swap = swap
	return dst, nil
}

func (r *Router) quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	q, err := r.aggregator.Quote(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("quote %s %s -> %s on chain %d: %w", req.Mode, req.TokenIn.Symbol, req.TokenOut.Symbol, req.ChainID, err)
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = r.now()
	}
	q.Request = req
	return q, nil
}

func sumBalances(bs []types.Balance) decimal.Decimal {
	total := decimal.Zero
	for _, b := range bs {
		total = total.Add(b.Amount)
	}
	return total
}
