package swaproute

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ca-engine/pkg/allowance"
	"ca-engine/pkg/chain/evm"
	"ca-engine/pkg/errs"
	"ca-engine/pkg/metrics"
	"ca-engine/pkg/rff"
	"ca-engine/pkg/sbc"
	"ca-engine/pkg/steps"
	"ca-engine/pkg/types"
)

const permitTTL = 30 * time.Minute

// Result of an executed swap
type Result struct {
	Route         *Route
	Bridge        *rff.Handle
	SourceTxs     map[uint64]common.Hash
	DestinationTx common.Hash
	// Swap is the destination quote that was executed, nil for a plain transfer
	Swap *Quote
	// Delivered is the COT the ephemeral account held for the final batch
	Delivered decimal.Decimal
}

// execution carries the mutable state of one Execute call. The route itself is
// never modified; requoted legs and a resized bridge live here.
type execution struct {
	*Router
	route     *Route
	owner     Owner
	eph       Ephemeral
	cache     *allowance.Cache
	legs      []Leg
	bridge    *types.Intent
	available decimal.Decimal
	log       logrus.FieldLogger

	mu     sync.Mutex
	result *Result
}

// Execute runs a planned route: owner approvals, source batches with one retry,
// the bridge, and the destination batch. Funds stranded in the ephemeral account
// by a failure are swept back to the owner before the error is returned. Once
// execution starts the result is returned with any error and records what ran.
func (r *Router) Execute(ctx context.Context, route *Route, owner Owner, eph Ephemeral) (*Result, error) {
	if owner.EVMAddress() != route.Owner {
		return nil, fmt.Errorf("owner wallet %s does not hold the planned funds of %s", owner.EVMAddress().Hex(), route.Owner.Hex())
	}
	if eph.EVMAddress() != route.Ephemeral {
		return nil, fmt.Errorf("ephemeral wallet %s was not used for planning", eph.EVMAddress().Hex())
	}
	x := &execution{
		Router:    r,
		route:     route,
		owner:     owner,
		eph:       eph,
		cache:     allowance.New(r.readers, r.log),
		legs:      append([]Leg(nil), route.Source.Legs...),
		bridge:    route.Bridge,
		available: route.Destination.COTAvailable,
		log:       r.log.WithFields(logrus.Fields{"mode": route.Mode.String(), "ephemeral": route.Ephemeral.Hex()}),
		result:    &Result{Route: route, SourceTxs: make(map[uint64]common.Hash)},
	}

	if err := x.requote(ctx, x.sourceChains(), true); err != nil {
		return x.result, err
	}
	if err := x.prefetch(ctx); err != nil {
		return x.result, err
	}
	if err := x.fundEphemeral(ctx); err != nil {
		x.sweep(ctx, x.sourceChains(), "funding failed")
		return x.result, err
	}
	if err := x.sources(ctx); err != nil {
		return x.result, err
	}
	if err := x.bridgeCOT(ctx); err != nil {
		x.sweep(ctx, x.sourceChains(), "bridge failed")
		return x.result, err
	}
	if err := x.destination(ctx); err != nil {
		x.sweep(ctx, append(x.sourceChains(), x.dstChain()), "destination failed")
		return x.result, err
	}
	x.sweep(ctx, x.bridgeChains(), "residual")

	x.log.WithField("delivered", x.result.Delivered.String()).Info("Swap complete")
	x.steps.Emit(steps.Step{Kind: steps.SwapComplete, ChainID: x.dstChain(), TxHash: x.result.DestinationTx.Hex()})
	return x.result, nil
}

func (x *execution) dstChain() uint64 {
	return x.route.Request.Destination.ChainID
}

func (x *execution) ownerAddr() types.Address {
	return types.AddressFromEVM(x.route.Owner)
}

func (x *execution) ephAddr() types.Address {
	return types.AddressFromEVM(x.route.Ephemeral)
}

// sourceChains are the chains with source legs, in leg order
func (x *execution) sourceChains() []uint64 {
	return SourcePlan{Legs: x.legs}.Chains()
}

func (x *execution) bridgeChains() []uint64 {
	if x.bridge == nil {
		return nil
	}
	seen := make(map[uint64]bool)
	var out []uint64
	for _, s := range x.bridge.Sources {
		if !seen[s.ChainID] {
			seen[s.ChainID] = true
			out = append(out, s.ChainID)
		}
	}
	return out
}

func (x *execution) bridgeSource(chainID uint64) decimal.Decimal {
	return (&Route{Bridge: x.bridge}).BridgeSource(chainID)
}

func (x *execution) legsOn(chainID uint64) []Leg {
	var out []Leg
	for _, l := range x.legs {
		if l.Holding.Token.ChainID == chainID {
			out = append(out, l)
		}
	}
	return out
}

func (x *execution) prefetch(ctx context.Context) error {
	account := x.route.Ephemeral
	for _, chainID := range x.sourceChains() {
		approvals, err := x.sourceApprovals(chainID)
		if err != nil {
			return err
		}
		x.batches.Request(x.cache, account, sbc.Request{ChainID: chainID, Approvals: approvals})
	}
	for _, l := range x.legs {
		if l.Holding.Token.PermitKind() == types.PermitApprove {
			x.cache.RequestAllowance(x.pullKey(l))
		}
	}
	dst := sbc.Request{ChainID: x.dstChain()}
	if q := x.route.Destination.Swap; q != nil && q.Spender != (common.Address{}) {
		dst.Approvals = []sbc.Approval{{
			Token:   x.route.Destination.COT.Address.EVM(),
			Spender: q.Spender,
			Amount:  types.ToBaseUnits(q.AmountIn, x.route.Destination.COT.Decimals),
		}}
	}
	x.batches.Request(x.cache, account, dst)
	return x.cache.Prefetch(ctx)
}

func (x *execution) pullKey(l Leg) allowance.Key {
	return allowance.Key{
		ChainID: l.Holding.Token.ChainID,
		Token:   l.Holding.Token.Address,
		Owner:   x.ownerAddr(),
		Spender: x.ephAddr(),
	}
}

// fundEphemeral sends native legs to the ephemeral account and has the owner
// approve it for approve-style tokens. Permit tokens are handled inside the batch.
func (x *execution) fundEphemeral(ctx context.Context) error {
	approved := false
	for _, l := range x.legs {
		tok := l.Holding.Token
		switch tok.PermitKind() {
		case types.PermitNone:
			call := evm.Call{To: x.route.Ephemeral, Value: types.ToBaseUnits(l.Amount, tok.Decimals)}
			if _, err := x.ownerSend(ctx, tok.ChainID, call); err != nil {
				return fmt.Errorf("fund ephemeral account with %s: %w", tok, err)
			}
		case types.PermitApprove:
			// the full holding is approved so a requoted leg can still pull
			amount := types.ToBaseUnits(l.Holding.Amount, tok.Decimals)
			if x.cache.Sufficient(x.pullKey(l), amount) {
				continue
			}
			call, err := evm.ApproveCall(tok.Address.EVM(), x.route.Ephemeral, amount)
			if err != nil {
				return err
			}
			x.steps.Emit(steps.Step{Kind: steps.AllowanceRequested, ChainID: tok.ChainID, Detail: tok.Symbol})
			hash, err := x.ownerSend(ctx, tok.ChainID, call)
			if err != nil {
				return fmt.Errorf("approve %s: %w", tok, err)
			}
			x.steps.Emit(steps.Step{Kind: steps.AllowanceMined, ChainID: tok.ChainID, TxHash: hash.Hex()})
			approved = true
		case types.PermitEIP2612:
		default:
			return fmt.Errorf("unknown permit variant %s", tok.PermitKind())
		}
	}
	if approved {
		x.steps.Emit(steps.Step{Kind: steps.AllowanceComplete})
	}
	return nil
}

func (x *execution) ownerSend(ctx context.Context, chainID uint64, call evm.Call) (common.Hash, error) {
	hash, err := x.owner.SendTransaction(ctx, chainID, call)
	if err != nil {
		return common.Hash{}, err
	}
	chain, err := x.chains(chainID)
	if err != nil {
		return hash, err
	}
	if _, err := chain.WaitMined(ctx, hash, x.opts.ApprovalTimeout); err != nil {
		return hash, err
	}
	return hash, nil
}

// sourceApprovals are the ephemeral account's approvals on chainID: the
// aggregator for every swap and the vault for the bridged amount
func (x *execution) sourceApprovals(chainID uint64) ([]sbc.Approval, error) {
	var out []sbc.Approval
	for _, l := range x.legsOn(chainID) {
		tok := l.Holding.Token
		if l.Swap == nil || tok.Native || l.Swap.Spender == (common.Address{}) {
			continue
		}
		out = append(out, sbc.Approval{
			Token:   tok.Address.EVM(),
			Spender: l.Swap.Spender,
			Amount:  types.ToBaseUnits(l.Amount, tok.Decimals),
		})
	}
	bridged := x.bridgeSource(chainID)
	if !bridged.IsPositive() {
		return out, nil
	}
	chain, err := x.registry.Chain(chainID)
	if err != nil {
		return nil, err
	}
	cot, err := x.registry.COT(chainID)
	if err != nil {
		return nil, err
	}
	return append(out, sbc.Approval{
		Token:   cot.Address.EVM(),
		Spender: chain.Vault.EVM(),
		Amount:  types.ToBaseUnits(bridged, cot.Decimals),
	}), nil
}

// pullCalls move a leg's input from the owner into the ephemeral account
func (x *execution) pullCalls(ctx context.Context, l Leg) ([]evm.Call, error) {
	tok := l.Holding.Token
	token := tok.Address.EVM()
	amount := types.ToBaseUnits(l.Amount, tok.Decimals)
	switch tok.PermitKind() {
	case types.PermitNone:
		return nil, nil
	case types.PermitApprove:
		pull, err := evm.TransferFromCall(token, x.route.Owner, x.route.Ephemeral, amount)
		if err != nil {
			return nil, err
		}
		return []evm.Call{pull}, nil
	case types.PermitEIP2612:
		chain, err := x.chains(tok.ChainID)
		if err != nil {
			return nil, err
		}
		nonce, err := chain.PermitNonce(ctx, tok.Address, x.ownerAddr())
		if err != nil {
			return nil, fmt.Errorf("read permit nonce: %w", err)
		}
		name, err := chain.TokenName(ctx, tok.Address)
		if err != nil {
			return nil, fmt.Errorf("read token name: %w", err)
		}
		deadline := big.NewInt(x.now().Add(permitTTL).Unix())
		sig, err := x.owner.SignTypedData(ctx, sbc.PermitTypedData(sbc.Permit{
			TokenName: name,
			ChainID:   tok.ChainID,
			Token:     token,
			Owner:     x.route.Owner,
			Spender:   x.route.Ephemeral,
			Value:     amount,
			Nonce:     nonce,
			Deadline:  deadline,
		}))
		if err != nil {
			return nil, fmt.Errorf("sign permit: %w", err)
		}
		data, err := evm.PackPermit(x.route.Owner, x.route.Ephemeral, amount, deadline, sig)
		if err != nil {
			return nil, err
		}
		pull, err := evm.TransferFromCall(token, x.route.Owner, x.route.Ephemeral, amount)
		if err != nil {
			return nil, err
		}
		return []evm.Call{{To: token, Value: new(big.Int), Data: data}, pull}, nil
	default:
		return nil, fmt.Errorf("unknown permit variant %s", tok.PermitKind())
	}
}

func (x *execution) sourceRequest(ctx context.Context, chainID uint64) (sbc.Request, error) {
	approvals, err := x.sourceApprovals(chainID)
	if err != nil {
		return sbc.Request{}, err
	}
	req := sbc.Request{ChainID: chainID, Approvals: approvals}
	for _, l := range x.legsOn(chainID) {
		pulls, err := x.pullCalls(ctx, l)
		if err != nil {
			return sbc.Request{}, err
		}
		req.Calls = append(req.Calls, pulls...)
		if l.Swap != nil {
			req.Calls = append(req.Calls, l.Swap.Calls...)
		}
	}
	return req, nil
}

// sources runs every source batch in parallel. Failed chains are requoted and
// retried once; a second failure sweeps every source chain back to the owner.
func (x *execution) sources(ctx context.Context) error {
	chains := x.sourceChains()
	if len(chains) == 0 {
		return nil
	}

	failed := x.runSources(ctx, chains)
	if len(failed) > 0 {
		retry := make([]uint64, 0, len(failed))
		for _, chainID := range chains {
			if err, ok := failed[chainID]; ok {
				retry = append(retry, chainID)
				x.log.WithError(err).WithField("chain_id", chainID).Warn("Source swap failed, retrying")
				x.steps.Emit(steps.Step{Kind: steps.SourceSwapRetried, ChainID: chainID, Detail: err.Error()})
				metrics.RecordSwapRetry("source")
			}
		}

		if err := x.requote(ctx, retry, false); err != nil {
			x.sweep(ctx, chains, "source requote rejected")
			return err
		}
		if failed = x.runSources(ctx, retry); len(failed) > 0 {
			x.sweep(ctx, chains, "source retry failed")
			for _, chainID := range retry {
				if err, ok := failed[chainID]; ok {
					return fmt.Errorf("source swap on chain %d failed twice: %w", chainID, err)
				}
			}
		}
	}

	if err := x.awaitSources(ctx); err != nil {
		x.sweep(ctx, chains, "source output missing")
		return err
	}
	x.steps.Emit(steps.Step{Kind: steps.SourceSwapsComplete})
	return nil
}

func (x *execution) runSources(ctx context.Context, chains []uint64) map[uint64]error {
	failed := make(map[uint64]error)
	var wg sync.WaitGroup
	for _, chainID := range chains {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := x.runSource(ctx, chainID)
			x.mu.Lock()
			defer x.mu.Unlock()
			if err != nil {
				failed[chainID] = err
				return
			}
			x.result.SourceTxs[chainID] = res.TxHash
		}()
	}
	wg.Wait()
	return failed
}

func (x *execution) runSource(ctx context.Context, chainID uint64) (*sbc.Result, error) {
	req, err := x.sourceRequest(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return x.batches.Execute(ctx, x.eph, x.cache, req)
}

// requote refreshes the swaps on chains. With onlyStale set, quotes still fresh
// are kept. The new COT output must stay within slippage of the old one.
func (x *execution) requote(ctx context.Context, chains []uint64, onlyStale bool) error {
	on := make(map[uint64]bool, len(chains))
	for _, id := range chains {
		on[id] = true
	}
	now := x.now()
	oldOut, newOut := decimal.Zero, decimal.Zero
	legs := make([]Leg, len(x.legs))
	copy(legs, x.legs)
	changed := false
	for i, l := range legs {
		if l.Swap == nil || !on[l.Holding.Token.ChainID] {
			continue
		}
		if onlyStale && !l.Swap.Stale(now, x.opts.QuoteFreshness) {
			continue
		}
		q, err := x.quote(ctx, l.Swap.Request)
		if err != nil {
			return err
		}
		limit := l.Holding.Amount
		if l.Holding.Token.Native {
			limit = l.Amount
		}
		if q.AmountIn.GreaterThan(limit) {
			return &errs.Error{
				Kind:      errs.KindSlippageExceeded,
				Op:        "requote source",
				ChainID:   l.Holding.Token.ChainID,
				Required:  q.AmountIn,
				Available: limit,
				Err:       fmt.Errorf("%s input grew past the holding", l.Holding.Token),
			}
		}
		oldOut = oldOut.Add(l.COTOut())
		if l.Swap.Request.Mode == ExactOut {
			legs[i].Amount = q.AmountIn
		}
		legs[i].Swap = q
		newOut = newOut.Add(legs[i].COTOut())
		changed = true
	}
	if !changed {
		return nil
	}
	floor := oldOut.Mul(decimal.NewFromInt(1).Sub(x.opts.Slippage))
	if newOut.LessThan(floor) {
		return &errs.Error{
			Kind:      errs.KindSlippageExceeded,
			Op:        "requote source",
			Required:  floor,
			Available: newOut,
			Err:       fmt.Errorf("COT output fell from %s", oldOut),
		}
	}
	x.legs = legs
	return x.resizeBridge(ctx)
}

// resizeBridge shrinks the bridge when requoted legs no longer cover what the
// planned bridge draws from a chain
func (x *execution) resizeBridge(ctx context.Context) error {
	if x.bridge == nil {
		return nil
	}
	short := false
	holdings := x.route.BridgeHoldings()
	for i, h := range holdings {
		out := decimal.Zero
		for _, l := range x.legsOn(h.Token.ChainID) {
			out = out.Add(minOut(l, x.opts.Slippage))
		}
		if out.LessThan(h.Amount) {
			holdings[i].Amount = out
			short = true
		}
	}
	if !short {
		return nil
	}
	intent, err := x.route.Resize(ctx, holdings)
	if err != nil {
		return err
	}
	x.available = x.available.Sub(x.bridge.Destination.Amount).Add(intent.Destination.Amount)
	x.bridge = intent
	return nil
}

// awaitSources waits for the COT each bridged chain must provide
func (x *execution) awaitSources(ctx context.Context) error {
	g := make(chan error, len(x.bridgeChains()))
	var wg sync.WaitGroup
	for _, chainID := range x.bridgeChains() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g <- x.awaitCOT(ctx, chainID, x.bridgeSource(chainID))
		}()
	}
	wg.Wait()
	close(g)
	for err := range g {
		if err != nil {
			return err
		}
	}
	return nil
}

// awaitCOT polls the ephemeral COT balance on chainID until it reaches want
func (x *execution) awaitCOT(ctx context.Context, chainID uint64, want decimal.Decimal) error {
	cot, err := x.registry.COT(chainID)
	if err != nil {
		return err
	}
	chain, err := x.chains(chainID)
	if err != nil {
		return err
	}
	target := types.ToBaseUnits(want, cot.Decimals)
	ctx, cancel := context.WithTimeout(ctx, x.opts.BalanceTimeout)
	defer cancel()
	ticker := time.NewTicker(x.opts.BalancePoll)
	defer ticker.Stop()

	for {
		bal, err := chain.BalanceOf(ctx, cot, x.ephAddr())
		if err == nil && bal.Cmp(target) >= 0 {
			return nil
		}
		if err != nil && !errs.Retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return &errs.Error{
					Kind:     errs.KindLiquidityTimeout,
					Op:       "await cot",
					ChainID:  chainID,
					Required: want,
					Err:      fmt.Errorf("%s did not reach %s within %s", cot, want, x.opts.BalanceTimeout),
				}
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (x *execution) bridgeCOT(ctx context.Context) error {
	if x.bridge == nil {
		return nil
	}
	holdings := (&Route{Bridge: x.bridge}).BridgeHoldings()
	rebuild := func(ctx context.Context) (*types.Intent, error) {
		return x.route.Resize(ctx, holdings)
	}
	h, err := x.bridger.Bridge(ctx, x.bridge, rebuild, x.eph)
	if h != nil {
		x.result.Bridge = h
	}
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	if h.Intent != nil && h.Intent != x.bridge {
		x.available = x.available.Sub(x.bridge.Destination.Amount).Add(h.Intent.Destination.Amount)
		x.bridge = h.Intent
	}
	return nil
}

func (x *execution) destination(ctx context.Context) error {
	dst := x.route.Destination
	cot := dst.COT
	if dst.EOAToEphemeral != nil {
		hash, err := x.ownerSend(ctx, x.dstChain(), *dst.EOAToEphemeral)
		if err != nil {
			return fmt.Errorf("move %s %s to ephemeral account: %w", dst.EOAAmount, cot.Symbol, err)
		}
		x.log.WithField("tx_hash", hash.Hex()).Debug("Owner COT moved to ephemeral account")
	}
	if err := x.awaitCOT(ctx, x.dstChain(), x.available); err != nil {
		return err
	}

	req := sbc.Request{ChainID: x.dstChain()}
	spent := decimal.Zero
	switch dst.Kind {
	case DestinationTransfer:
		spent = x.available
		if x.route.Mode == ExactOut {
			spent = x.route.Request.Amount
			if spent.GreaterThan(x.available) {
				return errs.Insufficient("deliver destination", spent, x.available)
			}
		}
		call, err := evm.TransferCall(cot.Address.EVM(), x.route.Request.Recipient, types.ToBaseUnits(spent, cot.Decimals))
		if err != nil {
			return err
		}
		req.Calls = []evm.Call{call}
	case DestinationSwap:
		q, err := x.destinationQuote(ctx)
		if err != nil {
			return err
		}
		x.result.Swap = q
		spent = q.AmountIn
		if q.Spender != (common.Address{}) {
			req.Approvals = []sbc.Approval{{
				Token:   cot.Address.EVM(),
				Spender: q.Spender,
				Amount:  types.ToBaseUnits(q.AmountIn, cot.Decimals),
			}}
		}
		req.Calls = q.Calls
	default:
		return fmt.Errorf("unknown destination kind %d", dst.Kind)
	}
	if left := x.available.Sub(spent); left.IsPositive() {
		sweep, err := evm.TransferCall(cot.Address.EVM(), x.route.Owner, types.ToBaseUnits(left, cot.Decimals))
		if err != nil {
			return err
		}
		req.Sweeps = []evm.Call{sweep}
	}

	res, err := x.batches.Execute(ctx, x.eph, x.cache, req)
	if err != nil {
		return fmt.Errorf("destination batch: %w", err)
	}
	x.result.DestinationTx = res.TxHash
	x.result.Delivered = x.available
	x.steps.Emit(steps.Step{Kind: steps.DestinationSwapDone, ChainID: x.dstChain(), TxHash: res.TxHash.Hex()})
	return nil
}

// destinationQuote returns the quote to execute, fetching it once more when it
// went stale or when the COT on hand no longer matches an ExactIn quote
func (x *execution) destinationQuote(ctx context.Context) (*Quote, error) {
	dst := x.route.Destination
	q := dst.Swap
	now := x.now()
	resized := x.route.Mode == ExactIn && !q.AmountIn.Equal(x.available)
	if !q.Stale(now, x.opts.QuoteFreshness) && !resized {
		return q, nil
	}

	fresh, err := dst.FetchSwap(ctx, x.available)
	if err != nil {
		return nil, fmt.Errorf("requote destination: %w", err)
	}
	metrics.RecordSwapRetry("destination")
	x.steps.Emit(steps.Step{Kind: steps.DestinationRequoted, ChainID: x.dstChain()})
	if fresh.Expired(x.now()) {
		return nil, errs.New(errs.KindRateChanged, "requote destination", fmt.Errorf("fresh quote already expired"))
	}

	switch x.route.Mode {
	case ExactOut:
		limit := x.available
		if dst.Band != nil {
			limit = decimal.Min(limit, dst.Band.Max)
		}
		if fresh.AmountIn.GreaterThan(limit) {
			return nil, &errs.Error{
				Kind:      errs.KindRateChanged,
				Op:        "requote destination",
				ChainID:   x.dstChain(),
				Required:  fresh.AmountIn,
				Available: limit,
				Err:       fmt.Errorf("destination swap now needs %s %s", fresh.AmountIn, dst.COT.Symbol),
			}
		}
	case ExactIn:
		// scale the old output to the COT now on hand before comparing
		expected := q.AmountOut
		if q.AmountIn.IsPositive() {
			expected = q.AmountOut.Mul(x.available).Div(q.AmountIn)
		}
		floor := expected.Mul(decimal.NewFromInt(1).Sub(x.opts.Slippage))
		if fresh.AmountOut.LessThan(floor) {
			return nil, &errs.Error{
				Kind:      errs.KindSlippageExceeded,
				Op:        "requote destination",
				ChainID:   x.dstChain(),
				Required:  floor,
				Available: fresh.AmountOut,
				Err:       fmt.Errorf("destination output fell to %s", fresh.AmountOut),
			}
		}
	}
	x.log.WithFields(logrus.Fields{"amount_in": fresh.AmountIn.String(), "amount_out": fresh.AmountOut.String()}).Info("Destination swap requoted")
	return fresh, nil
}

// submitted reports whether a bridge request went out, after which the vault
// may still collect the approved COT
func (x *execution) submitted() bool {
	return x.result.Bridge != nil
}

// sweep returns what the ephemeral account holds on chains to the owner. It
// only logs failures; the caller's error always wins.
func (x *execution) sweep(ctx context.Context, chains []uint64, reason string) {
	ctx = context.WithoutCancel(ctx)
	seen := make(map[uint64]bool)
	for _, chainID := range chains {
		if seen[chainID] {
			continue
		}
		seen[chainID] = true
		log := x.log.WithFields(logrus.Fields{"chain_id": chainID, "reason": reason})
		reserved, err := x.reserved(ctx, chainID)
		if err != nil {
			log.WithError(err).Error("Failed to read vault allowance")
			continue
		}
		if _, err := x.sweepChain(ctx, x.eph, x.route.Owner, x.cache, chainID, x.inputsOn(chainID), reserved, reason); err != nil {
			log.WithError(err).Error("Failed to sweep")
		}
	}
}

// inputsOn are the distinct tokens legs on chainID spend, planned or requoted
func (x *execution) inputsOn(chainID uint64) []types.Token {
	var out []types.Token
	seen := make(map[types.TokenKey]bool)
	for _, l := range append(x.legsOn(chainID), x.route.Source.Legs...) {
		tok := l.Holding.Token
		if tok.ChainID != chainID || seen[tok.Key()] {
			continue
		}
		seen[tok.Key()] = true
		out = append(out, tok)
	}
	return out
}

// reserved is the COT the vault may still collect on chainID. Before a request
// is submitted nothing is reserved, whatever the batch approved.
func (x *execution) reserved(ctx context.Context, chainID uint64) (*big.Int, error) {
	if !x.submitted() || !x.bridgeSource(chainID).IsPositive() {
		return nil, nil
	}
	info, err := x.registry.Chain(chainID)
	if err != nil || info.Vault.IsZero() {
		return nil, err
	}
	cot, err := x.registry.COT(chainID)
	if err != nil {
		return nil, err
	}
	chain, err := x.chains(chainID)
	if err != nil {
		return nil, err
	}
	return chain.Allowance(ctx, cot.Address, x.ephAddr(), info.Vault)
}

// sweepChain moves the ephemeral balances of the chain's COT and of tokens to
// owner in one batch. reserved COT stays behind. A zero hash means there was
// nothing to move.
func (r *Router) sweepChain(ctx context.Context, eph Ephemeral, owner common.Address, cache *allowance.Cache, chainID uint64, tokens []types.Token, reserved *big.Int, reason string) (common.Hash, error) {
	cot, err := r.registry.COT(chainID)
	if err != nil {
		return common.Hash{}, err
	}
	chain, err := r.chains(chainID)
	if err != nil {
		return common.Hash{}, err
	}
	holder := types.AddressFromEVM(eph.EVMAddress())
	fields := logrus.Fields{"chain_id": chainID, "reason": reason}
	seen := make(map[types.TokenKey]bool)
	var calls []evm.Call
	for _, tok := range append([]types.Token{cot}, tokens...) {
		if tok.ChainID != chainID || seen[tok.Key()] {
			continue
		}
		seen[tok.Key()] = true
		bal, err := chain.BalanceOf(ctx, tok, holder)
		if err != nil {
			return common.Hash{}, fmt.Errorf("read %s balance: %w", tok, err)
		}
		if tok.Key() == cot.Key() && reserved != nil {
			bal = new(big.Int).Sub(bal, reserved)
		}
		if bal.Sign() <= 0 {
			continue
		}
		call, err := sweepCall(tok, owner, bal)
		if err != nil {
			return common.Hash{}, err
		}
		calls = append(calls, call)
		fields[tok.Symbol] = types.FromBaseUnits(bal, tok.Decimals).String()
	}
	if len(calls) == 0 {
		return common.Hash{}, nil
	}
	res, err := r.batches.Execute(ctx, eph, cache, sbc.Request{ChainID: chainID, Sweeps: calls})
	if err != nil {
		return common.Hash{}, fmt.Errorf("sweep on chain %d: %w", chainID, err)
	}
	r.log.WithFields(fields).WithField("tx_hash", res.TxHash.Hex()).Info("Funds swept to owner")
	r.steps.Emit(steps.Step{Kind: steps.FundsSwept, ChainID: chainID, TxHash: res.TxHash.Hex(), Detail: reason})
	return res.TxHash, nil
}

func sweepCall(tok types.Token, to common.Address, amount *big.Int) (evm.Call, error) {
	if tok.Native {
		return evm.Call{To: to, Value: amount}, nil
	}
	return evm.TransferCall(tok.Address.EVM(), to, amount)
}

// Recover sweeps what eph holds of tokens, and of each of their chains' COT,
// back to owner. It serves an ephemeral account whose swap ended without a
// sweep; the caller makes sure no bridge request still draws from it.
func (r *Router) Recover(ctx context.Context, owner common.Address, eph Ephemeral, tokens []types.Token) (map[uint64]common.Hash, error) {
	var chains []uint64
	byChain := make(map[uint64][]types.Token)
	for _, tok := range tokens {
		if _, ok := byChain[tok.ChainID]; !ok {
			chains = append(chains, tok.ChainID)
		}
		byChain[tok.ChainID] = append(byChain[tok.ChainID], tok)
	}
	swept := make(map[uint64]common.Hash)
	var failures []error
	for _, chainID := range chains {
		hash, err := r.sweepChain(ctx, eph, owner, nil, chainID, byChain[chainID], nil, "recover")
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if hash != (common.Hash{}) {
			swept[chainID] = hash
		}
	}
	return swept, errors.Join(failures...)
}
