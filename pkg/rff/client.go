package rff

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ca-engine/pkg/errs"
	"ca-engine/pkg/metrics"
	"ca-engine/pkg/steps"
	"ca-engine/pkg/types"
)

// Settlement is the part of the settlement layer API the client submits to
type Settlement interface {
	SubmitRFF(ctx context.Context, sub Submission) (string, error)
	DoubleCheck(ctx context.Context, id string) error
}

// Depositor sends the deposit for source index of a submitted request
type Depositor interface {
	Deposit(ctx context.Context, h *Handle, index int) (string, error)
}

// Builder plans a fresh intent. It is called again from scratch when the
// settlement layer rejects the first submission's fees.
type Builder func(ctx context.Context) (*types.Intent, error)

// Submission is what gets sent to the settlement layer
type Submission struct {
	Request    *Request
	Encoded    []byte
	Hash       common.Hash
	Signatures []Signature
}

// Handle tracks a submitted request
type Handle struct {
	ID         string
	Hash       common.Hash
	Request    *Request
	Encoded    []byte
	Intent     *types.Intent
	Signatures []Signature
}

// Options tunes the client
type Options struct {
	TTL                 time.Duration
	DoubleCheckAttempts int
	DoubleCheckInterval time.Duration
}

// Client drives a request from intent to collected sources
type Client struct {
	settlement Settlement
	depositors map[types.Universe]Depositor
	opts       Options
	log        logrus.FieldLogger
	steps      steps.Emitter
	now        func() time.Time
}

// NewClient creates a client. depositors may omit universes that never need deposits.
func NewClient(settlement Settlement, depositors map[types.Universe]Depositor, opts Options, sink steps.Sink, log logrus.FieldLogger) *Client {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.DoubleCheckAttempts <= 0 {
		opts.DoubleCheckAttempts = 3
	}
	if opts.DoubleCheckInterval <= 0 {
		opts.DoubleCheckInterval = 2 * time.Second
	}
	return &Client{
		settlement: settlement,
		depositors: depositors,
		opts:       opts,
		log:        log.WithField("component", "rff"),
		steps:      steps.Emitter{Sink: sink},
		now:        time.Now,
	}
}

// SubmitParams describes one submission
type SubmitParams struct {
	Signers        Signers
	NativeDecimals uint8
	Build          Builder
}

// Submit builds, signs and submits a request. A fee-expired rejection triggers
// exactly one rebuild from scratch; a second rejection is returned as FeeExpired.
func (c *Client) Submit(ctx context.Context, p SubmitParams) (*Handle, error) {
	for attempt := 1; ; attempt++ {
		h, err := c.submitOnce(ctx, p)
		if err == nil {
			metrics.RecordSubmission("success")
			return h, nil
		}
		if !errs.Is(err, errs.KindFeeExpired) {
			metrics.RecordSubmission("error")
			return nil, err
		}
		metrics.RecordSubmission("fee_expired")
		if attempt > 1 {
			return nil, err
		}
		c.log.WithError(err).Info("Fees changed, rebuilding intent")
		metrics.RecordFeeRebuild()
		c.steps.Emit(steps.Step{Kind: steps.IntentRebuilt, Detail: "fee schedule changed"})
	}
}

func (c *Client) submitOnce(ctx context.Context, p SubmitParams) (*Handle, error) {
	intent, err := p.Build(ctx)
	if err != nil {
		return nil, err
	}
	req, err := Build(intent, BuildOptions{
		Parties:        p.Signers.Parties(),
		NativeDecimals: p.NativeDecimals,
		TTL:            c.opts.TTL,
		Now:            c.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	encoded, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	sigs, err := Sign(ctx, req, p.Signers)
	if err != nil {
		return nil, err
	}
	hash := crypto.Keccak256Hash(encoded)
	c.steps.Emit(steps.Step{Kind: steps.IntentSigned, Detail: hash.Hex()})

	id, err := c.settlement.SubmitRFF(ctx, Submission{Request: req, Encoded: encoded, Hash: hash, Signatures: sigs})
	if err != nil {
		return nil, fmt.Errorf("submit request: %w", err)
	}
	c.log.WithFields(logrus.Fields{
		"request_id":   id,
		"request_hash": hash.Hex(),
		"sources":      len(req.Sources),
	}).Info("Request submitted")
	c.steps.Emit(steps.Step{Kind: steps.IntentSubmitted, RequestID: id, Detail: hash.Hex()})

	return &Handle{ID: id, Hash: hash, Request: req, Encoded: encoded, Intent: intent, Signatures: sigs}, nil
}

// NeedsDeposit reports whether a source must be pushed to the vault instead of
// being pulled through an allowance
func NeedsDeposit(s types.IntentSource) bool {
	switch s.Universe {
	case types.UniverseEVM:
		return s.Token.Native
	case types.UniverseSolana:
		return true
	case types.UniverseTron:
		return false
	default:
		return false
	}
}

// Deposit sends every required deposit in parallel and waits for all of them
func (c *Client) Deposit(ctx context.Context, h *Handle) error {
	var pending []int
	for i, src := range h.Intent.Sources {
		if !NeedsDeposit(src) {
			continue
		}
		if _, ok := c.depositors[src.Universe]; !ok {
			return errs.New(errs.KindUnsupported, "deposit", fmt.Errorf("no depositor for %s", src.Universe))
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, i := range pending {
		src := h.Intent.Sources[i]
		dep := c.depositors[src.Universe]
		g.Go(func() error {
			tx, err := dep.Deposit(gctx, h, i)
			metrics.RecordDeposit(src.Universe.String(), err)
			if err != nil {
				return fmt.Errorf("deposit on chain %d: %w", src.ChainID, err)
			}
			c.log.WithFields(logrus.Fields{"chain_id": src.ChainID, "tx_hash": tx, "request_id": h.ID}).Info("Deposit sent")
			c.steps.Emit(steps.Step{Kind: steps.DepositSent, ChainID: src.ChainID, TxHash: tx, RequestID: h.ID})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.steps.Emit(steps.Step{Kind: steps.DepositsComplete, RequestID: h.ID})
	return nil
}

// DoubleCheck asks the settlement layer to re-verify the request in the
// background. It retries a bounded number of times and never fails the caller;
// the returned channel yields the final result and is then closed.
func (c *Client) DoubleCheck(ctx context.Context, h *Handle) <-chan error {
	done := make(chan error, 1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = c.opts.DoubleCheckInterval
		expBackoff.MaxElapsedTime = 0
		attempt := 0
		err := backoff.Retry(func() error {
			attempt++
			return c.settlement.DoubleCheck(ctx, h.ID)
		}, backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(c.opts.DoubleCheckAttempts-1)), ctx))
		if err != nil {
			metrics.RecordDoubleCheckFailure()
			c.log.WithError(err).WithFields(logrus.Fields{"request_id": h.ID, "attempts": attempt}).Warn("Double-check gave up")
		}
		done <- err
	}()
	return done
}
