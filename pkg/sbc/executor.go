// Package sbc executes ordered call batches from a delegated account.
//
// A batch is signed once by the account over its calls, a deadline and a random
// nonce. When the account does not yet delegate to the executor implementation,
// an EIP-7702 authorization is signed and shipped with the batch.
package sbc

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"ca-engine/pkg/allowance"
	"ca-engine/pkg/chain/evm"
	"ca-engine/pkg/metrics"
	"ca-engine/pkg/steps"
	"ca-engine/pkg/types"
)

var maxNonce = new(big.Int).Lsh(big.NewInt(1), 256)

// Batch is a signed list of calls executed atomically by Account
type Batch struct {
	ChainID         uint64
	Account         common.Address
	Calls           []evm.Call
	Deadline        *big.Int
	Nonce           *big.Int
	RevertOnFailure bool
	Signature       []byte
	Authorization   *gethtypes.SetCodeAuthorization
}

// Approval asks for Spender to be allowed Amount of Token, skipped when the
// cached allowance already covers it
type Approval struct {
	Token   common.Address
	Spender common.Address
	Amount  *big.Int
}

// Request is one batch to run. Calls run in the order approvals, calls, sweeps.
type Request struct {
	ChainID   uint64
	Approvals []Approval
	Calls     []evm.Call
	Sweeps    []evm.Call
}

// Wallet is the account owner's signing capability
type Wallet interface {
	EVMAddress() common.Address
	SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error)
	SignAuthorization(ctx context.Context, auth gethtypes.SetCodeAuthorization) (gethtypes.SetCodeAuthorization, error)
}

// Relayer submits signed batches on chain
type Relayer interface {
	SubmitBatch(ctx context.Context, b *Batch) (common.Hash, error)
}

// Chain is the per-chain state the executor reads
type Chain interface {
	Nonce(ctx context.Context, account types.Address) (uint64, error)
	WaitMined(ctx context.Context, hash common.Hash, timeout time.Duration) (*gethtypes.Receipt, error)
}

// ChainFunc resolves the Chain of an id
type ChainFunc func(chainID uint64) (Chain, error)

// Options tunes the executor
type Options struct {
	// Executors maps chain ids to the delegation implementation
	Executors      map[uint64]common.Address
	BatchTTL       time.Duration
	ReceiptTimeout time.Duration
}

// Executor prepares, signs and submits batches
type Executor struct {
	chains  ChainFunc
	relayer Relayer
	opts    Options
	log     logrus.FieldLogger
	steps   steps.Emitter
	now     func() time.Time
}

func NewExecutor(chains ChainFunc, relayer Relayer, opts Options, sink steps.Sink, log logrus.FieldLogger) *Executor {
	if opts.BatchTTL <= 0 {
		opts.BatchTTL = 10 * time.Minute
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = 2 * time.Minute
	}
	return &Executor{
		chains:  chains,
		relayer: relayer,
		opts:    opts,
		log:     log.WithField("component", "sbc"),
		steps:   steps.Emitter{Sink: sink},
		now:     time.Now,
	}
}

// Request registers the allowance and code keys req will consult
func (e *Executor) Request(cache *allowance.Cache, account common.Address, req Request) {
	owner := types.AddressFromEVM(account)
	cache.RequestCode(allowance.CodeKey{ChainID: req.ChainID, Account: owner})
	for _, a := range req.Approvals {
		cache.RequestAllowance(approvalKey(req.ChainID, owner, a))
	}
}

func approvalKey(chainID uint64, owner types.Address, a Approval) allowance.Key {
	return allowance.Key{
		ChainID: chainID,
		Token:   types.AddressFromEVM(a.Token),
		Owner:   owner,
		Spender: types.AddressFromEVM(a.Spender),
	}
}

// Prepare builds and signs the batch for req, adding an authorization when the
// account is not yet delegated
func (e *Executor) Prepare(ctx context.Context, w Wallet, cache *allowance.Cache, req Request) (*Batch, error) {
	account := w.EVMAddress()
	owner := types.AddressFromEVM(account)

	calls := make([]evm.Call, 0, len(req.Approvals)+len(req.Calls)+len(req.Sweeps))
	for _, a := range req.Approvals {
		if cache != nil && cache.Sufficient(approvalKey(req.ChainID, owner, a), a.Amount) {
			continue
		}
		call, err := evm.ApproveCall(a.Token, a.Spender, a.Amount)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	calls = append(calls, req.Calls...)
	calls = append(calls, req.Sweeps...)
	if len(calls) == 0 {
		return nil, fmt.Errorf("batch on chain %d has no calls", req.ChainID)
	}

	nonce, err := rand.Int(rand.Reader, maxNonce)
	if err != nil {
		return nil, fmt.Errorf("generate batch nonce: %w", err)
	}
	batch := &Batch{
		ChainID:         req.ChainID,
		Account:         account,
		Calls:           calls,
		Deadline:        big.NewInt(e.now().Add(e.opts.BatchTTL).Unix()),
		Nonce:           nonce,
		RevertOnFailure: true,
	}

	auth, err := e.authorization(ctx, w, cache, req.ChainID)
	if err != nil {
		return nil, err
	}
	batch.Authorization = auth

	sig, err := w.SignTypedData(ctx, TypedData(batch))
	if err != nil {
		return nil, fmt.Errorf("sign batch: %w", err)
	}
	batch.Signature = sig
	return batch, nil
}

func (e *Executor) authorization(ctx context.Context, w Wallet, cache *allowance.Cache, chainID uint64) (*gethtypes.SetCodeAuthorization, error) {
	impl, ok := e.opts.Executors[chainID]
	if !ok {
		return nil, fmt.Errorf("no executor implementation configured for chain %d", chainID)
	}
	account := types.AddressFromEVM(w.EVMAddress())
	if cache != nil {
		if code, ok := cache.Code(allowance.CodeKey{ChainID: chainID, Account: account}); ok {
			if target, delegated := gethtypes.ParseDelegation(code); delegated && target == impl {
				return nil, nil
			}
		}
	}

	chain, err := e.chains(chainID)
	if err != nil {
		return nil, err
	}
	nonce, err := chain.Nonce(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("read account nonce: %w", err)
	}
	signed, err := w.SignAuthorization(ctx, gethtypes.SetCodeAuthorization{
		ChainID: *uint256.NewInt(chainID),
		Address: impl,
		Nonce:   nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("sign delegation: %w", err)
	}
	e.log.WithFields(logrus.Fields{"chain_id": chainID, "account": account.EVM().Hex(), "executor": impl.Hex()}).Debug("Delegation authorized")
	e.steps.Emit(steps.Step{Kind: steps.DelegationAuthorized, ChainID: chainID})
	return &signed, nil
}

// Result of an executed batch
type Result struct {
	Batch   *Batch
	TxHash  common.Hash
	Receipt *gethtypes.Receipt
}

// Execute prepares, submits and waits for req
func (e *Executor) Execute(ctx context.Context, w Wallet, cache *allowance.Cache, req Request) (*Result, error) {
	batch, err := e.Prepare(ctx, w, cache, req)
	if err != nil {
		return nil, err
	}
	log := e.log.WithFields(logrus.Fields{"chain_id": req.ChainID, "calls": len(batch.Calls)})

	hash, err := e.relayer.SubmitBatch(ctx, batch)
	if err != nil {
		metrics.RecordBatch(req.ChainID, err)
		return nil, fmt.Errorf("submit batch on chain %d: %w", req.ChainID, err)
	}
	log = log.WithField("tx_hash", hash.Hex())
	log.Info("Batch submitted")
	e.steps.Emit(steps.Step{Kind: steps.BatchSubmitted, ChainID: req.ChainID, TxHash: hash.Hex()})

	chain, err := e.chains(req.ChainID)
	if err != nil {
		return nil, err
	}
	receipt, err := chain.WaitMined(ctx, hash, e.opts.ReceiptTimeout)
	metrics.RecordBatch(req.ChainID, err)
	if err != nil {
		log.WithError(err).Warn("Batch failed")
		return nil, err
	}
	e.steps.Emit(steps.Step{Kind: steps.BatchConfirmed, ChainID: req.ChainID, TxHash: hash.Hex()})
	return &Result{Batch: batch, TxHash: hash, Receipt: receipt}, nil
}
