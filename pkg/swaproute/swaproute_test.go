package swaproute

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ca-engine/pkg/allowance"
	"ca-engine/pkg/chain/evm"
	"ca-engine/pkg/errs"
	"ca-engine/pkg/fees"
	"ca-engine/pkg/rff"
	"ca-engine/pkg/sbc"
	"ca-engine/pkg/signer"
	"ca-engine/pkg/steps"
	"ca-engine/pkg/types"
)

const (
	chainA uint64 = 1
	chainB uint64 = 10
	chainD uint64 = 8453
)

var (
	impl      = common.HexToAddress("0x00000000000000000000000000000000000007e2")
	spender   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	recipient = common.HexToAddress("0x000000000000000000000000000000000000beef")
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func addr(chainID uint64, b byte) types.Address {
	var a common.Address
	a[18] = byte(chainID)
	a[19] = b
	return types.AddressFromEVM(a)
}

func usdc(chainID uint64) types.Token {
	return types.Token{ChainID: chainID, Universe: types.UniverseEVM, Address: addr(chainID, 1), Symbol: "USDC", Decimals: 6}
}

func eth(chainID uint64) types.Token {
	return types.Token{ChainID: chainID, Universe: types.UniverseEVM, Symbol: "ETH", Decimals: 18, Native: true}
}

var (
	dai  = types.Token{ChainID: chainB, Universe: types.UniverseEVM, Address: addr(chainB, 2), Symbol: "DAI", Decimals: 18}
	weth = types.Token{ChainID: chainD, Universe: types.UniverseEVM, Address: addr(chainD, 3), Symbol: "WETH", Decimals: 18}
)

type registry struct{}

func (registry) Chain(id uint64) (types.Chain, error) {
	switch id {
	case chainA, chainB, chainD:
		return types.Chain{ID: id, Universe: types.UniverseEVM, Vault: addr(id, 0xee), Executor: types.AddressFromEVM(impl), COT: "USDC"}, nil
	}
	return types.Chain{}, errs.ChainNotFound(id)
}

func (r registry) ChainByName(string) (types.Chain, error) {
	return types.Chain{}, errors.New("not used")
}

func (r registry) Chains() []types.Chain {
	var out []types.Chain
	for _, id := range []uint64{chainA, chainB, chainD} {
		c, _ := r.Chain(id)
		out = append(out, c)
	}
	return out
}

func (registry) Token(chainID uint64, symbol string) (types.Token, error) {
	return types.Token{}, errs.TokenNotFound(chainID, symbol)
}

func (registry) TokenByAddress(chainID uint64, a types.Address) (types.Token, error) {
	return types.Token{}, errs.TokenNotFound(chainID, a.Hex())
}

func (r registry) COT(chainID uint64) (types.Token, error) {
	if _, err := r.Chain(chainID); err != nil {
		return types.Token{}, err
	}
	return usdc(chainID), nil
}

type zeroFees struct{}

func (zeroFees) FeeSchedule(context.Context) (fees.Schedule, error) {
	return fees.NewSchedule(0), nil
}

// aggregator prices every pair at a fixed rate of input units per output unit
type aggregator struct {
	mu    sync.Mutex
	rates map[string]decimal.Decimal
	calls []QuoteRequest
}

func newAggregator() *aggregator {
	return &aggregator{rates: map[string]decimal.Decimal{
		"USDC/WETH": decimal.NewFromInt(2500),
	}}
}

func (a *aggregator) setRate(pair string, rate decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rates[pair] = rate
}

func (a *aggregator) Quote(_ context.Context, req QuoteRequest) (*Quote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req)
	rate, ok := a.rates[req.TokenIn.Symbol+"/"+req.TokenOut.Symbol]
	if !ok {
		rate = decimal.NewFromInt(1)
	}
	now := time.Now()
	q := &Quote{
		Spender:   spender,
		Calls:     []evm.Call{{To: spender, Value: new(big.Int), Data: []byte{0x5a}}},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
	switch req.Mode {
	case ExactIn:
		q.AmountIn = req.Amount
		q.AmountOut = req.Amount.Div(rate).RoundFloor(int32(req.TokenOut.Decimals))
	case ExactOut:
		q.AmountOut = req.Amount
		q.AmountIn = req.Amount.Mul(rate).RoundCeil(int32(req.TokenIn.Decimals))
	}
	return q, nil
}

func (a *aggregator) count(mode Mode, chainID uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.Mode == mode && c.ChainID == chainID {
			n++
		}
	}
	return n
}

// ledger is the chain state the fakes share. Unset token balances read as a
// large amount and unset native balances as zero.
type ledger struct {
	mu         sync.Mutex
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
}

type balanceKey struct {
	token  types.TokenKey
	holder types.Address
}

type allowanceKey struct {
	token, owner, spender types.Address
}

func newLedger() *ledger {
	return &ledger{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

func (l *ledger) setBalance(tok types.Token, holder types.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[balanceKey{tok.Key(), holder}] = amount
}

func (l *ledger) credit(tok types.Token, holder types.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := balanceKey{tok.Key(), holder}
	bal, ok := l.balances[k]
	if !ok {
		bal = new(big.Int)
	}
	l.balances[k] = new(big.Int).Add(bal, amount)
}

func (l *ledger) approve(token, owner, spender types.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[allowanceKey{token, owner, spender}] = amount
}

var approveSelector = crypto.Keccak256([]byte("approve(address,uint256)"))[:4]

// apply records the approvals a confirmed batch granted
func (l *ledger) apply(b *sbc.Batch) {
	owner := types.AddressFromEVM(b.Account)
	for _, c := range b.Calls {
		if len(c.Data) < 68 || !bytes.Equal(c.Data[:4], approveSelector) {
			continue
		}
		spender := types.AddressFromEVM(common.BytesToAddress(c.Data[4:36]))
		l.approve(types.AddressFromEVM(c.To), owner, spender, new(big.Int).SetBytes(c.Data[36:68]))
	}
}

// chain reads the ledger and reports no account code
type chain struct {
	*ledger
}

func (chain) Nonce(context.Context, types.Address) (uint64, error) { return 0, nil }

func (chain) WaitMined(context.Context, common.Hash, time.Duration) (*gethtypes.Receipt, error) {
	return &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful}, nil
}

func (c chain) BalanceOf(_ context.Context, tok types.Token, holder types.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bal, ok := c.balances[balanceKey{tok.Key(), holder}]; ok {
		return new(big.Int).Set(bal), nil
	}
	if tok.Native {
		return new(big.Int), nil
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil), nil
}

func (c chain) Allowance(_ context.Context, token, owner, spender types.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.allowances[allowanceKey{token, owner, spender}]; ok {
		return new(big.Int).Set(a), nil
	}
	return new(big.Int), nil
}

func (chain) Code(context.Context, types.Address) ([]byte, error) { return nil, nil }

func (chain) PermitNonce(context.Context, types.Address, types.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (chain) TokenName(context.Context, types.Address) (string, error) { return "Token", nil }

func (c chain) Reader(uint64) (allowance.Reader, error) { return c, nil }

// relayer accepts batches unless fail says otherwise and applies the accepted
// ones to the ledger
type relayer struct {
	mu      sync.Mutex
	ledger  *ledger
	batches []*sbc.Batch
	fail    func(b *sbc.Batch, attempt int) error
	tries   map[uint64]int
}

func (r *relayer) SubmitBatch(_ context.Context, b *sbc.Batch) (common.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tries == nil {
		r.tries = make(map[uint64]int)
	}
	r.tries[b.ChainID]++
	r.batches = append(r.batches, b)
	if r.fail != nil {
		if err := r.fail(b, r.tries[b.ChainID]); err != nil {
			return common.Hash{}, err
		}
	}
	r.ledger.apply(b)
	return common.Hash{byte(b.ChainID), byte(len(r.batches))}, nil
}

func (r *relayer) count(chainID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tries[chainID]
}

// swaps counts the batches on chainID that called the aggregator
func (r *relayer) swaps(chainID uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		if b.ChainID == chainID && isSwap(b) {
			n++
		}
	}
	return n
}

// last is the most recent batch on chainID
func (r *relayer) last(chainID uint64) *sbc.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.batches) - 1; i >= 0; i-- {
		if r.batches[i].ChainID == chainID {
			return r.batches[i]
		}
	}
	return nil
}

func isSwap(b *sbc.Batch) bool {
	for _, c := range b.Calls {
		if c.To == spender {
			return true
		}
	}
	return false
}

// failSwaps rejects every aggregator batch on chainID
func failSwaps(chainID uint64) func(*sbc.Batch, int) error {
	return func(b *sbc.Batch, _ int) error {
		if b.ChainID == chainID && isSwap(b) {
			return errors.New("execution reverted")
		}
		return nil
	}
}

type bridger struct {
	mu      sync.Mutex
	intents []*types.Intent
}

func (b *bridger) Bridge(_ context.Context, intent *types.Intent, _ rff.Builder, s rff.MessageSigner) (*rff.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if intent.Sources[0].Holder != s.Address() {
		return nil, fmt.Errorf("bridge sourced from %s, signed by %s", intent.Sources[0].Holder, s.Address())
	}
	b.intents = append(b.intents, intent)
	return &rff.Handle{ID: "rff-1", Intent: intent}, nil
}

// owner records the transactions it is asked to send. Plain value transfers
// land in the ledger.
type owner struct {
	*signer.EVMWallet
	ledger *ledger
	mu     sync.Mutex
	sent   []evm.Call
	chains []uint64
	fail   func(n int) error
}

func (o *owner) SendTransaction(_ context.Context, chainID uint64, call evm.Call) (common.Hash, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		if err := o.fail(len(o.sent) + 1); err != nil {
			return common.Hash{}, err
		}
	}
	o.sent = append(o.sent, call)
	o.chains = append(o.chains, chainID)
	if len(call.Data) == 0 && call.Value != nil && call.Value.Sign() > 0 {
		o.ledger.credit(eth(chainID), types.AddressFromEVM(call.To), call.Value)
	}
	return common.Hash{0x0e, byte(len(o.sent))}, nil
}

type fixture struct {
	router  *Router
	ledger  *ledger
	agg     *aggregator
	relayer *relayer
	bridger *bridger
	rec     *steps.Recorder
	owner   *owner
	eph     *signer.EVMWallet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ownerWallet, err := signer.GenerateEVMWallet(nil)
	require.NoError(t, err)
	eph, err := signer.GenerateEVMWallet(nil)
	require.NoError(t, err)

	l := newLedger()
	f := &fixture{
		ledger:  l,
		agg:     newAggregator(),
		relayer: &relayer{ledger: l},
		bridger: &bridger{},
		rec:     &steps.Recorder{},
		owner:   &owner{EVMWallet: ownerWallet, ledger: l},
		eph:     eph,
	}
	c := chain{ledger: l}
	batches := sbc.NewExecutor(func(uint64) (sbc.Chain, error) { return c, nil }, f.relayer, sbc.Options{
		Executors: map[uint64]common.Address{chainA: impl, chainB: impl, chainD: impl},
	}, f.rec, quietLogger())
	f.router = NewRouter(Deps{
		Aggregator: f.agg,
		Registry:   registry{},
		Fees:       zeroFees{},
		Chains:     func(uint64) (Chain, error) { return c, nil },
		Readers:    c,
		Batches:    batches,
		Bridger:    f.bridger,
		Sink:       f.rec,
		Log:        quietLogger(),
	}, Options{BalancePoll: 10 * time.Millisecond, BalanceTimeout: time.Second})
	return f
}

func (f *fixture) holding(tok types.Token, amount string) types.Balance {
	return types.Balance{Token: tok, Amount: decimal.RequireFromString(amount), Holder: f.owner.Address()}
}

// exactOutRequest wants 0.04 WETH (100 USDC at 2500) funded by 50 USDC already
// on the destination, 30 USDC on A and 100 DAI on B
func (f *fixture) exactOutRequest() Request {
	return Request{
		Mode:        ExactOut,
		Destination: weth,
		Amount:      decimal.RequireFromString("0.04"),
		Recipient:   recipient,
		Holdings: []types.Balance{
			f.holding(usdc(chainD), "50"),
			f.holding(usdc(chainA), "30"),
			f.holding(dai, "100"),
		},
	}
}

func (f *fixture) plan(t *testing.T, req Request) *Route {
	t.Helper()
	route, err := f.router.Plan(context.Background(), req, f.eph.EVMAddress())
	require.NoError(t, err)
	return route
}

func (f *fixture) execute(route *Route) (*Result, error) {
	return f.router.Execute(context.Background(), route, f.owner, f.eph)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// held sets what the ephemeral account holds of tok in base units
func (f *fixture) held(tok types.Token, amount int64) {
	f.ledger.setBalance(tok, f.eph.Address(), big.NewInt(amount))
}

func (f *fixture) swept() []uint64 {
	var out []uint64
	for _, s := range f.rec.Steps() {
		if s.Kind == steps.FundsSwept {
			out = append(out, s.ChainID)
		}
	}
	return out
}

func TestPlanExactOutAppliesBuffers(t *testing.T) {
	f := newFixture(t)
	route := f.plan(t, f.exactOutRequest())

	dst := route.Destination
	require.Equal(t, DestinationSwap, dst.Kind)
	require.NotNil(t, dst.Band)
	assert.True(t, dst.Band.Min.Equal(dec("100")), "band min %s", dst.Band.Min)
	assert.True(t, dst.Band.Max.Equal(dec("105")), "band max %s", dst.Band.Max)
	assert.True(t, dst.EOAAmount.Equal(dec("50")))
	require.NotNil(t, dst.EOAToEphemeral)
	assert.Equal(t, usdc(chainD).Address.EVM(), dst.EOAToEphemeral.To)
	assert.True(t, dst.COTAvailable.Equal(dec("105")), "cot available %s", dst.COTAvailable)

	require.NotNil(t, route.Bridge)
	assert.True(t, route.Bridge.Destination.Amount.Equal(dec("55")))
	assert.Equal(t, f.eph.Address(), route.Bridge.Destination.Recipient)
	assert.True(t, route.BridgeSource(chainA).Equal(dec("30")))
	assert.True(t, route.BridgeSource(chainB).Equal(dec("25")))

	require.Len(t, route.Source.Legs, 2)
	legA, legB := route.Source.Legs[0], route.Source.Legs[1]
	assert.Nil(t, legA.Swap)
	assert.True(t, legA.Amount.Equal(dec("30")))
	require.NotNil(t, legB.Swap)
	assert.Equal(t, ExactOut, legB.Swap.Request.Mode)
	assert.True(t, legB.Swap.Request.Amount.Equal(dec("25.5")), "source sized with buffer: %s", legB.Swap.Request.Amount)
	assert.True(t, legB.Amount.Equal(dec("25.5")))
	assert.Equal(t, []uint64{chainA, chainB}, route.Source.Chains())
}

func TestPlanExactInBridgesRemoteHoldings(t *testing.T) {
	f := newFixture(t)
	route := f.plan(t, Request{
		Mode:        ExactIn,
		Destination: weth,
		Amount:      dec("100"),
		Recipient:   recipient,
		Holdings:    []types.Balance{f.holding(dai, "250")},
	})

	require.Len(t, route.Source.Legs, 1)
	leg := route.Source.Legs[0]
	require.NotNil(t, leg.Swap)
	assert.True(t, leg.Amount.Equal(dec("100")))
	assert.Equal(t, f.eph.EVMAddress(), leg.Swap.Request.Recipient)

	// 100 COT less 0.5% slippage is what the bridge may count on
	require.NotNil(t, route.Bridge)
	assert.True(t, route.Bridge.Destination.Amount.Equal(dec("99.5")), "bridged %s", route.Bridge.Destination.Amount)
	assert.True(t, route.Destination.COTAvailable.Equal(dec("99.5")))
	require.NotNil(t, route.Destination.Swap)
	assert.Equal(t, ExactIn, route.Destination.Swap.Request.Mode)
	assert.Equal(t, recipient, route.Destination.Swap.Request.Recipient)
	assert.Nil(t, route.Destination.Band)
}

func TestPlanExactInInsufficient(t *testing.T) {
	f := newFixture(t)
	_, err := f.router.Plan(context.Background(), Request{
		Mode:        ExactIn,
		Destination: weth,
		Amount:      dec("500"),
		Recipient:   recipient,
		Holdings:    []types.Balance{f.holding(usdc(chainA), "30"), f.holding(dai, "100")},
	}, f.eph.EVMAddress())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindInsufficientBalance))
}

func TestPlanRejectsMixedOwners(t *testing.T) {
	f := newFixture(t)
	req := f.exactOutRequest()
	req.Holdings[1].Holder = addr(chainA, 0x77)
	_, err := f.router.Plan(context.Background(), req, f.eph.EVMAddress())
	require.Error(t, err)
}

func TestExecuteExactOut(t *testing.T) {
	f := newFixture(t)
	route := f.plan(t, f.exactOutRequest())

	res, err := f.execute(route)
	require.NoError(t, err)

	require.Len(t, f.bridger.intents, 1)
	assert.Equal(t, "rff-1", res.Bridge.ID)
	assert.Contains(t, res.SourceTxs, chainA)
	assert.Contains(t, res.SourceTxs, chainB)
	assert.NotEqual(t, common.Hash{}, res.DestinationTx)
	assert.True(t, res.Delivered.Equal(dec("105")))

	// no requote happened: one exact-out quote on the destination chain
	assert.Equal(t, 1, f.agg.count(ExactOut, chainD))
	assert.Zero(t, f.rec.Count(steps.DestinationRequoted))
	assert.Equal(t, 1, f.rec.Count(steps.SourceSwapsComplete))
	assert.Equal(t, 1, f.rec.Count(steps.SwapComplete))

	// two owner approvals plus the destination COT transfer
	require.Len(t, f.owner.sent, 3)
	assert.Equal(t, usdc(chainD).Address.EVM(), f.owner.sent[2].To)
}

func TestExecuteRequotesExpiredDestinationOnce(t *testing.T) {
	f := newFixture(t)
	route := f.plan(t, f.exactOutRequest())
	route.Destination.Swap.ExpiresAt = time.Now().Add(-time.Second)

	res, err := f.execute(route)
	require.NoError(t, err)

	assert.Equal(t, 2, f.agg.count(ExactOut, chainD))
	assert.Equal(t, 1, f.rec.Count(steps.DestinationRequoted))
	require.NotNil(t, res.Swap)
	assert.NotSame(t, route.Destination.Swap, res.Swap)
}

func TestExecuteRejectsRequoteOutsideBand(t *testing.T) {
	f := newFixture(t)
	route := f.plan(t, f.exactOutRequest())
	route.Destination.Swap.ExpiresAt = time.Now().Add(-time.Second)
	// 0.04 WETH now costs 108 USDC, above the 105 committed
	f.agg.setRate("USDC/WETH", dec("2700"))
	// chain A holds 10 USDC on top of the 30 the vault may collect
	f.held(usdc(chainA), 40_000_000)
	f.held(usdc(chainB), 25_000_000)
	f.held(dai, 0)

	res, err := f.execute(route)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRateChanged), "got %v", err)
	assert.Equal(t, 1, f.rec.Count(steps.DestinationRequoted))
	assert.Zero(t, f.rec.Count(steps.SwapComplete))

	// the submitted request still draws on the vault allowance
	require.NotNil(t, res)
	require.NotNil(t, res.Bridge)
	assert.ElementsMatch(t, []uint64{chainA, chainD}, f.swept())
	want, err := evm.TransferCall(usdc(chainA).Address.EVM(), f.owner.EVMAddress(), big.NewInt(10_000_000))
	require.NoError(t, err)
	assert.Equal(t, []evm.Call{want}, f.relayer.last(chainA).Calls)
}

func TestExecuteRetriesFailedSourceOnce(t *testing.T) {
	f := newFixture(t)
	route := f.plan(t, f.exactOutRequest())
	f.relayer.fail = func(b *sbc.Batch, attempt int) error {
		if b.ChainID == chainB && attempt == 1 {
			return errors.New("execution reverted")
		}
		return nil
	}

	_, err := f.execute(route)
	require.NoError(t, err)
	assert.Equal(t, 1, f.rec.Count(steps.SourceSwapRetried))
	// the retried chain was requoted; the other chain was not touched again
	assert.Equal(t, 2, f.agg.count(ExactOut, chainB))
	assert.Equal(t, 1, f.rec.Count(steps.SwapComplete))
}

func TestExecuteSweepsAfterSecondSourceFailure(t *testing.T) {
	f := newFixture(t)
	route := f.plan(t, f.exactOutRequest())
	f.relayer.fail = failSwaps(chainB)
	// chain A pulled its 30 USDC and approved the vault for it
	f.held(usdc(chainA), 30_000_000)
	f.held(usdc(chainB), 0)
	f.held(dai, 0)

	res, err := f.execute(route)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed twice")
	assert.Equal(t, 2, f.relayer.swaps(chainB))
	assert.Empty(t, f.bridger.intents)

	// the batch on A landed and its transaction is reported
	require.NotNil(t, res)
	assert.Contains(t, res.SourceTxs, chainA)
	assert.Nil(t, res.Bridge)

	// no request went out, so the vault approval reserves nothing
	assert.Equal(t, []uint64{chainA}, f.swept())
	want, err := evm.TransferCall(usdc(chainA).Address.EVM(), f.owner.EVMAddress(), big.NewInt(30_000_000))
	require.NoError(t, err)
	assert.Equal(t, []evm.Call{want}, f.relayer.last(chainA).Calls)
}

func TestExecuteSweepsNativeLegAfterSourceFailure(t *testing.T) {
	f := newFixture(t)
	route := f.plan(t, Request{
		Mode:        ExactIn,
		Destination: weth,
		Amount:      dec("100"),
		Recipient:   recipient,
		Holdings:    []types.Balance{f.holding(eth(chainB), "100")},
	})
	f.relayer.fail = failSwaps(chainB)
	f.held(usdc(chainB), 0)

	_, err := f.execute(route)
	require.Error(t, err)
	assert.Equal(t, 2, f.relayer.swaps(chainB))

	// the owner funded the ephemeral account with the native leg
	require.Len(t, f.owner.sent, 1)
	funded := new(big.Int).Mul(big.NewInt(100), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	assert.Equal(t, 0, funded.Cmp(f.owner.sent[0].Value))

	assert.Equal(t, []uint64{chainB}, f.swept())
	calls := f.relayer.last(chainB).Calls
	require.Len(t, calls, 1)
	assert.Equal(t, f.owner.EVMAddress(), calls[0].To)
	assert.Empty(t, calls[0].Data)
	assert.Equal(t, 0, funded.Cmp(calls[0].Value))
}

func TestExecuteSweepsWhenFundingFails(t *testing.T) {
	f := newFixture(t)
	route := f.plan(t, Request{
		Mode:        ExactIn,
		Destination: weth,
		Amount:      dec("100"),
		Recipient:   recipient,
		Holdings:    []types.Balance{f.holding(eth(chainA), "40"), f.holding(eth(chainB), "60")},
	})
	require.Len(t, route.Source.Legs, 2)
	f.owner.fail = func(n int) error {
		if n == 2 {
			return errors.New("insufficient funds for gas")
		}
		return nil
	}
	f.held(usdc(chainA), 0)
	f.held(usdc(chainB), 0)

	res, err := f.execute(route)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Empty(t, res.SourceTxs)
	assert.Zero(t, f.relayer.swaps(chainA)+f.relayer.swaps(chainB))

	// only the chain the owner already funded has anything to return
	require.Len(t, f.owner.chains, 1)
	funded := f.owner.chains[0]
	assert.Equal(t, []uint64{funded}, f.swept())
	calls := f.relayer.last(funded).Calls
	require.Len(t, calls, 1)
	assert.Equal(t, f.owner.EVMAddress(), calls[0].To)
	assert.Equal(t, 0, f.owner.sent[0].Value.Cmp(calls[0].Value))
}

func TestRecoverSweepsEveryBalance(t *testing.T) {
	f := newFixture(t)
	f.held(usdc(chainB), 5_000_000)
	f.held(dai, 0)
	f.ledger.setBalance(eth(chainB), f.eph.Address(), big.NewInt(7))
	f.held(usdc(chainA), 0)

	swept, err := f.router.Recover(context.Background(), f.owner.EVMAddress(), f.eph, []types.Token{eth(chainB), dai, usdc(chainA)})
	require.NoError(t, err)
	assert.Contains(t, swept, chainB)
	assert.NotContains(t, swept, chainA)
	assert.Zero(t, f.relayer.count(chainA))

	want, err := evm.TransferCall(usdc(chainB).Address.EVM(), f.owner.EVMAddress(), big.NewInt(5_000_000))
	require.NoError(t, err)
	calls := f.relayer.last(chainB).Calls
	require.Len(t, calls, 2)
	assert.Equal(t, want, calls[0])
	assert.Equal(t, f.owner.EVMAddress(), calls[1].To)
	assert.Equal(t, int64(7), calls[1].Value.Int64())
}

func TestExecuteSourceRetryChecksSlippage(t *testing.T) {
	f := newFixture(t)
	route := f.plan(t, Request{
		Mode:        ExactIn,
		Destination: weth,
		Amount:      dec("100"),
		Recipient:   recipient,
		Holdings:    []types.Balance{f.holding(dai, "100")},
	})
	f.relayer.fail = func(b *sbc.Batch, attempt int) error {
		if b.ChainID == chainB && attempt == 1 {
			// the price moves while the first batch fails
			f.agg.setRate("DAI/USDC", dec("1.1"))
			return errors.New("execution reverted")
		}
		return nil
	}

	_, err := f.execute(route)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindSlippageExceeded), "got %v", err)
	assert.Equal(t, 1, f.relayer.swaps(chainB))
	assert.Empty(t, f.bridger.intents)
	assert.Equal(t, []uint64{chainB}, f.swept())
}

func TestExecuteRejectsForeignEphemeral(t *testing.T) {
	f := newFixture(t)
	route := f.plan(t, f.exactOutRequest())
	other, err := signer.GenerateEVMWallet(nil)
	require.NoError(t, err)

	_, err = f.router.Execute(context.Background(), route, f.owner, other)
	require.Error(t, err)
}

func TestQuoteStaleness(t *testing.T) {
	now := time.Now()
	q := &Quote{CreatedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Minute)}
	assert.False(t, q.Expired(now))
	assert.True(t, q.Stale(now, 30*time.Second))
	assert.False(t, q.Stale(now, 2*time.Minute))
	assert.True(t, q.Expired(now.Add(time.Minute)))
}
