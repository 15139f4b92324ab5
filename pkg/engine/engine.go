// Package engine wires the planning, settlement and swap components into the
// operations a wallet runs: preview, bridge, swap and status.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ca-engine/pkg/allowance"
	"ca-engine/pkg/chain/evm"
	"ca-engine/pkg/errs"
	"ca-engine/pkg/fees"
	"ca-engine/pkg/fulfillment"
	"ca-engine/pkg/plan"
	"ca-engine/pkg/rff"
	"ca-engine/pkg/sbc"
	"ca-engine/pkg/selector"
	"ca-engine/pkg/steps"
	"ca-engine/pkg/swaproute"
	"ca-engine/pkg/types"
)

// Settlement is the settlement layer as the engine uses it
type Settlement interface {
	rff.Settlement
	fulfillment.Poller
}

// DepositNotifier tells a deposit-address aggregator which transaction funded a quote
type DepositNotifier interface {
	SubmitDepositTx(ctx context.Context, depositAddress, txHash string) error
}

// Deps are the collaborators of an Engine. Journal, Subscriber, Notifier and
// Sink may be nil.
type Deps struct {
	Registry   types.Registry
	Settlement Settlement
	Fees       fees.Source
	Holdings   Holdings
	Readers    allowance.Readers
	Chains     swaproute.ChainFunc
	Subscriber fulfillment.Subscriber
	Depositors map[types.Universe]rff.Depositor
	Oracle     selector.PriceOracle
	Aggregator swaproute.Aggregator
	Batches    *sbc.Executor
	Notifier   DepositNotifier
	Journal    *plan.Journal
	Sink       steps.Sink
	Log        logrus.FieldLogger
}

// Options tunes the engine and the components it builds
type Options struct {
	RFF             rff.Options
	Fulfilment      fulfillment.Options
	Swap            swaproute.Options
	ApprovalTimeout time.Duration
}

// Wallets are the accounts an operation acts for
type Wallets struct {
	// Signers sign requests, one per universe that holds sources
	Signers rff.Signers
	// Owner sends EVM approvals and funds swaps
	Owner swaproute.Owner
	// NewEphemeral returns the throwaway account of one swap. The same salt
	// must always give the same account.
	NewEphemeral func(salt string) (swaproute.Ephemeral, error)
}

// Engine runs bridges and swaps
type Engine struct {
	registry   types.Registry
	settlement Settlement
	fees       fees.Source
	holdings   Holdings
	readers    allowance.Readers
	chains     swaproute.ChainFunc
	oracle     selector.PriceOracle
	notifier   DepositNotifier
	journal    *plan.Journal
	rff        *rff.Client
	waiter     *fulfillment.Waiter
	router     *swaproute.Router
	opts       Options
	log        logrus.FieldLogger
	steps      steps.Emitter
}

func New(deps Deps, opts Options) *Engine {
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = 2 * time.Minute
	}
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		registry:   deps.Registry,
		settlement: deps.Settlement,
		fees:       deps.Fees,
		holdings:   deps.Holdings,
		readers:    deps.Readers,
		chains:     deps.Chains,
		oracle:     deps.Oracle,
		notifier:   deps.Notifier,
		journal:    deps.Journal,
		rff:        rff.NewClient(deps.Settlement, deps.Depositors, opts.RFF, deps.Sink, log),
		waiter:     fulfillment.NewWaiter(deps.Settlement, deps.Subscriber, opts.Fulfilment, deps.Sink, log),
		opts:       opts,
		log:        log.WithField("component", "engine"),
		steps:      steps.Emitter{Sink: deps.Sink},
	}
	e.router = swaproute.NewRouter(swaproute.Deps{
		Aggregator: deps.Aggregator,
		Registry:   deps.Registry,
		Fees:       deps.Fees,
		Oracle:     deps.Oracle,
		Chains:     deps.Chains,
		Readers:    deps.Readers,
		Batches:    deps.Batches,
		Bridger:    swapBridger{e},
		Sink:       deps.Sink,
		Log:        log,
	}, opts.Swap)
	return e
}

// BridgeResult is a fulfilled bridge
type BridgeResult struct {
	Handle  *rff.Handle
	Outcome fulfillment.Outcome
	// RecordID is the journal entry, empty without a journal
	RecordID string
}

// Plan previews the intent a bridge to target would submit. Shortfalls are
// reported on the intent instead of as an error.
func (e *Engine) Plan(ctx context.Context, target types.Target, w Wallets) (*types.Intent, error) {
	cycle, err := plan.NewCycle(ctx, e.fees, e.readers, e.log)
	if err != nil {
		return nil, err
	}
	return e.selectIntent(ctx, cycle, target, w.Signers.Parties(), true)
}

// Bridge moves target.Amount of target.Token to the destination chain and
// returns once the request is fulfilled
func (e *Engine) Bridge(ctx context.Context, target types.Target, w Wallets) (*BridgeResult, error) {
	if len(w.Signers) == 0 {
		return nil, fmt.Errorf("bridge: no signers")
	}
	parties := w.Signers.Parties()
	build := func(ctx context.Context) (*types.Intent, error) {
		cycle, err := plan.NewCycle(ctx, e.fees, e.readers, e.log)
		if err != nil {
			return nil, err
		}
		intent, err := e.selectIntent(ctx, cycle, target, parties, false)
		if err != nil {
			return nil, err
		}
		if err := e.approveSources(ctx, cycle, intent, w.Owner); err != nil {
			return nil, err
		}
		return intent, nil
	}
	return e.settle(ctx, plan.KindBridge, w.Signers, target.ChainID, build)
}

func (e *Engine) selectIntent(ctx context.Context, cycle *plan.Cycle, target types.Target, parties map[types.Universe]types.Address, allowShort bool) (*types.Intent, error) {
	balances, err := e.holdings.Holdings(ctx, target.Token.Symbol, parties)
	if err != nil {
		return nil, fmt.Errorf("read balances: %w", err)
	}
	intent, err := selector.Select(ctx, selector.Input{
		CycleID:           cycle.ID,
		Target:            target,
		Balances:          balances,
		Fees:              cycle.Fees,
		Oracle:            e.oracle,
		AllowInsufficient: allowShort,
	})
	if err != nil {
		return nil, err
	}
	cycle.Log.WithFields(logrus.Fields{
		"destination": target.Token.String(),
		"amount":      target.Amount.String(),
		"sources":     len(intent.Sources),
		"required":    intent.Required.String(),
	}).Info("Intent planned")
	e.steps.Emit(steps.Step{Kind: steps.IntentPlanned, ChainID: target.ChainID, Detail: intent.Required.String()})
	return intent, nil
}

type approval struct {
	key    allowance.Key
	amount *big.Int
}

// approveSources grants the vault of each EVM token source an allowance for the
// source amount, skipping those already covered
func (e *Engine) approveSources(ctx context.Context, cycle *plan.Cycle, intent *types.Intent, owner swaproute.Owner) error {
	var wanted []approval
	for _, src := range intent.Sources {
		if src.Universe != types.UniverseEVM || rff.NeedsDeposit(src) {
			continue
		}
		chain, err := e.registry.Chain(src.ChainID)
		if err != nil {
			return err
		}
		key := allowance.Key{ChainID: src.ChainID, Token: src.Token.Address, Owner: src.Holder, Spender: chain.Vault}
		cycle.Allowances.RequestAllowance(key)
		wanted = append(wanted, approval{key: key, amount: types.ToBaseUnits(src.Amount, src.Token.Decimals)})
	}
	if len(wanted) == 0 {
		return nil
	}
	if err := cycle.Allowances.Prefetch(ctx); err != nil {
		return fmt.Errorf("read allowances: %w", err)
	}

	var pending []approval
	for _, a := range wanted {
		if !cycle.Allowances.Sufficient(a.key, a.amount) {
			pending = append(pending, a)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if owner == nil {
		return errs.New(errs.KindUnsupported, "approve", fmt.Errorf("%d sources need an allowance but no EVM wallet is configured", len(pending)))
	}

	for _, a := range pending {
		if a.key.Owner.EVM() != owner.EVMAddress() {
			return fmt.Errorf("source on chain %d is held by %s, not by the owner wallet", a.key.ChainID, a.key.Owner.EVM().Hex())
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range pending {
		g.Go(func() error {
			return e.approve(gctx, owner, a)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.steps.Emit(steps.Step{Kind: steps.AllowanceComplete})
	return nil
}

func (e *Engine) approve(ctx context.Context, owner swaproute.Owner, a approval) error {
	chainID := a.key.ChainID
	call, err := evm.ApproveCall(a.key.Token.EVM(), a.key.Spender.EVM(), a.amount)
	if err != nil {
		return err
	}
	chain, err := e.chains(chainID)
	if err != nil {
		return err
	}
	hash, err := owner.SendTransaction(ctx, chainID, call)
	if err != nil {
		return fmt.Errorf("approve on chain %d: %w", chainID, err)
	}
	e.steps.Emit(steps.Step{Kind: steps.AllowanceRequested, ChainID: chainID, TxHash: hash.Hex()})

	receipt, err := chain.WaitMined(ctx, hash, e.opts.ApprovalTimeout)
	if err != nil {
		return err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return errs.Reverted(chainID, hash.Hex())
	}
	e.log.WithFields(logrus.Fields{"chain_id": chainID, "tx_hash": hash.Hex(), "amount": a.amount.String()}).Info("Allowance granted")
	e.steps.Emit(steps.Step{Kind: steps.AllowanceMined, ChainID: chainID, TxHash: hash.Hex()})
	return nil
}

// settle submits the request build plans, sends its deposits and waits for
// fulfilment on dstChainID
func (e *Engine) settle(ctx context.Context, kind plan.RecordKind, signers rff.Signers, dstChainID uint64, build rff.Builder) (*BridgeResult, error) {
	chain, err := e.registry.Chain(dstChainID)
	if err != nil {
		return nil, err
	}
	h, err := e.rff.Submit(ctx, rff.SubmitParams{Signers: signers, NativeDecimals: chain.NativeDecimals, Build: build})
	if err != nil {
		return nil, err
	}
	res := &BridgeResult{Handle: h}
	log := e.log.WithField("request_id", h.ID)

	if e.journal != nil {
		rec, err := e.journal.RecordSubmitted(kind, h)
		if err != nil {
			log.WithError(err).Warn("Failed to journal request")
		} else {
			res.RecordID = rec.ID
		}
	}

	if err := e.rff.Deposit(ctx, h); err != nil {
		e.journalFailed(res.RecordID, err)
		return res, err
	}
	e.journalUpdate(res.RecordID, func(id string) error { return e.journal.MarkDeposited(id) })

	// the result only matters to the logs
	_ = e.rff.DoubleCheck(ctx, h)

	outcome, err := e.waiter.Wait(ctx, fulfillment.Target{
		ID:       h.ID,
		Hash:     h.Hash,
		Universe: chain.Universe,
		ChainID:  chain.ID,
		Vault:    chain.Vault,
	})
	res.Outcome = outcome
	if err != nil {
		e.journalFailed(res.RecordID, err)
		return res, err
	}
	e.journalUpdate(res.RecordID, func(id string) error { return e.journal.MarkFulfilled(id, string(outcome.Arm), "") })
	return res, nil
}

func (e *Engine) journalUpdate(id string, fn func(id string) error) {
	if e.journal == nil || id == "" {
		return
	}
	if err := fn(id); err != nil {
		e.log.WithError(err).WithField("record_id", id).Warn("Failed to update journal")
	}
}

func (e *Engine) journalFailed(id string, cause error) {
	e.journalUpdate(id, func(id string) error { return e.journal.MarkFailed(id, cause) })
}

// swapBridger runs the bridge leg of a swap through the engine's settlement path
type swapBridger struct {
	e *Engine
}

// Bridge submits intent as planned. On a fee rejection the request is rebuilt
// once through rebuild. A submitted request's handle is returned even with an
// error.
func (b swapBridger) Bridge(ctx context.Context, intent *types.Intent, rebuild rff.Builder, signer rff.MessageSigner) (*rff.Handle, error) {
	planned := intent
	build := func(ctx context.Context) (*types.Intent, error) {
		if planned != nil {
			next := planned
			planned = nil
			return next, nil
		}
		return rebuild(ctx)
	}
	signers := rff.Signers{signer.Universe(): signer}
	res, err := b.e.settle(ctx, plan.KindBridge, signers, intent.Destination.ChainID, build)
	if res == nil {
		return nil, err
	}
	return res.Handle, err
}

// Status reads a request's settlement status and brings its journal entry up to date
func (e *Engine) Status(ctx context.Context, requestID string) (types.RequestStatus, error) {
	st, err := e.settlement.RFFStatus(ctx, requestID)
	if err != nil {
		return types.RequestStatus{}, err
	}
	if e.journal != nil {
		if _, err := e.journal.Get(requestID); err == nil {
			if _, err := e.journal.Sync(requestID, st); err != nil {
				e.log.WithError(err).WithField("request_id", requestID).Warn("Failed to sync journal")
			}
		}
	}
	return st, nil
}

// Reconcile refreshes every journaled request that has not reached a terminal
// status and returns the updated records
func (e *Engine) Reconcile(ctx context.Context) ([]*plan.Record, error) {
	if e.journal == nil {
		return nil, nil
	}
	var out []*plan.Record
	for _, r := range e.journal.Pending() {
		if r.RequestID == "" {
			out = append(out, r)
			continue
		}
		st, err := e.settlement.RFFStatus(ctx, r.RequestID)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			e.log.WithError(err).WithField("request_id", r.RequestID).Warn("Failed to read request status")
			out = append(out, r)
			continue
		}
		updated, err := e.journal.Sync(r.ID, st)
		if err != nil {
			return out, err
		}
		out = append(out, updated)
	}
	return out, nil
}

// Journal returns the request journal, nil when none is configured
func (e *Engine) Journal() *plan.Journal {
	return e.journal
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
