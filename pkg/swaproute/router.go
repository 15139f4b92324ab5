package swaproute

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ca-engine/pkg/allowance"
	"ca-engine/pkg/chain/evm"
	"ca-engine/pkg/fees"
	"ca-engine/pkg/rff"
	"ca-engine/pkg/sbc"
	"ca-engine/pkg/selector"
	"ca-engine/pkg/steps"
	"ca-engine/pkg/types"
)

// Chain is the per-chain state a swap reads
type Chain interface {
	sbc.Chain
	BalanceOf(ctx context.Context, token types.Token, holder types.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender types.Address) (*big.Int, error)
	PermitNonce(ctx context.Context, token, owner types.Address) (*big.Int, error)
	TokenName(ctx context.Context, token types.Address) (string, error)
}

// ChainFunc resolves the Chain of an id
type ChainFunc func(chainID uint64) (Chain, error)

// Owner is the wallet holding the user's funds
type Owner interface {
	sbc.Wallet
	SendTransaction(ctx context.Context, chainID uint64, call evm.Call) (common.Hash, error)
}

// Ephemeral is the engine-held account that runs every swap batch and owns the
// bridge leg
type Ephemeral interface {
	sbc.Wallet
	rff.MessageSigner
}

// Bridger moves COT across chains and returns once the request is fulfilled.
// rebuild is called at most once, when the first submission hits stale fees.
type Bridger interface {
	Bridge(ctx context.Context, intent *types.Intent, rebuild rff.Builder, signer rff.MessageSigner) (*rff.Handle, error)
}

// Options tunes planning and execution
type Options struct {
	// Slippage is the fraction a requoted swap may lose against the original
	Slippage decimal.Decimal
	// DestinationBuffer scales the COT reserved for an ExactOut destination swap
	DestinationBuffer decimal.Decimal
	// SourceBuffer scales the COT each ExactOut source swap must produce
	SourceBuffer decimal.Decimal
	// QuoteFreshness is the age after which a quote is fetched again
	QuoteFreshness time.Duration
	// BalanceTimeout bounds the wait for swapped COT to land
	BalanceTimeout time.Duration
	BalancePoll    time.Duration
	// ApprovalTimeout bounds the wait for owner transactions
	ApprovalTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.Slippage.IsZero() {
		o.Slippage = decimal.RequireFromString("0.005")
	}
	if o.DestinationBuffer.IsZero() {
		o.DestinationBuffer = decimal.RequireFromString("1.05")
	}
	if o.SourceBuffer.IsZero() {
		o.SourceBuffer = decimal.RequireFromString("1.02")
	}
	if o.QuoteFreshness <= 0 {
		o.QuoteFreshness = 30 * time.Second
	}
	if o.BalanceTimeout <= 0 {
		o.BalanceTimeout = 5 * time.Minute
	}
	if o.BalancePoll <= 0 {
		o.BalancePoll = 3 * time.Second
	}
	if o.ApprovalTimeout <= 0 {
		o.ApprovalTimeout = 2 * time.Minute
	}
}

// Deps are the collaborators of a Router
type Deps struct {
	Aggregator Aggregator
	Registry   types.Registry
	Fees       fees.Source
	Oracle     selector.PriceOracle
	Chains     ChainFunc
	Readers    allowance.Readers
	Batches    *sbc.Executor
	Bridger    Bridger
	Sink       steps.Sink
	Log        logrus.FieldLogger
}

// Router plans and executes swaps
type Router struct {
	aggregator Aggregator
	registry   types.Registry
	fees       fees.Source
	oracle     selector.PriceOracle
	chains     ChainFunc
	readers    allowance.Readers
	batches    *sbc.Executor
	bridger    Bridger
	opts       Options
	log        logrus.FieldLogger
	steps      steps.Emitter
	now        func() time.Time
}

func NewRouter(deps Deps, opts Options) *Router {
	opts.withDefaults()
	return &Router{
		aggregator: deps.Aggregator,
		registry:   deps.Registry,
		fees:       deps.Fees,
		oracle:     deps.Oracle,
		chains:     deps.Chains,
		readers:    deps.Readers,
		batches:    deps.Batches,
		bridger:    deps.Bridger,
		opts:       opts,
		log:        deps.Log.WithField("component", "swaproute"),
		steps:      steps.Emitter{Sink: deps.Sink},
		now:        time.Now,
	}
}
