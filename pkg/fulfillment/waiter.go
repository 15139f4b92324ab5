// Package fulfillment waits for a submitted request to be filled on its destination chain.
package fulfillment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"ca-engine/pkg/errs"
	"ca-engine/pkg/metrics"
	"ca-engine/pkg/steps"
	"ca-engine/pkg/types"
)

// Arm names the mechanism that observed fulfilment
type Arm string

const (
	ArmEvent Arm = "event"
	ArmPoll  Arm = "poll"
)

// Poller reads request status from the settlement layer
type Poller interface {
	RFFStatus(ctx context.Context, id string) (types.RequestStatus, error)
}

// Subscriber streams fulfilment events of one request on one chain. The channel
// yields once on fulfilment and is closed when the subscription ends.
type Subscriber interface {
	SubscribeFulfilment(ctx context.Context, chainID uint64, vault types.Address, requestHash common.Hash) (<-chan struct{}, error)
}

// Target identifies the request being waited on
type Target struct {
	ID       string
	Hash     common.Hash
	Universe types.Universe
	ChainID  uint64
	Vault    types.Address
}

// Outcome reports which arm won
type Outcome struct {
	Arm     Arm
	Elapsed time.Duration
}

// Options tunes the waiter
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Waiter races an event subscription against settlement polling and a hard timeout
type Waiter struct {
	poller     Poller
	subscriber Subscriber
	opts       Options
	log        logrus.FieldLogger
	steps      steps.Emitter
}

// NewWaiter creates a waiter. subscriber may be nil, leaving only the poll arm.
func NewWaiter(poller Poller, subscriber Subscriber, opts Options, sink steps.Sink, log logrus.FieldLogger) *Waiter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Waiter{
		poller:     poller,
		subscriber: subscriber,
		opts:       opts,
		log:        log.WithField("component", "fulfillment"),
		steps:      steps.Emitter{Sink: sink},
	}
}

type result struct {
	arm Arm
	err error
}

// Wait blocks until the request is fulfilled, expires, the timeout passes or ctx
// is done. Exactly one outcome is reported and every arm has stopped before Wait
// returns.
func (w *Waiter) Wait(ctx context.Context, t Target) (Outcome, error) {
	start := time.Now()
	log := w.log.WithFields(logrus.Fields{"request_id": t.ID, "request_hash": t.Hash.Hex()})

	armCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	results := make(chan result, 2)
	if w.subscriber != nil && t.Universe == types.UniverseEVM {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.watchEvents(armCtx, t, results, log)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.poll(armCtx, t, results, log)
	}()

	timer := time.NewTimer(w.opts.Timeout)
	defer timer.Stop()

	select {
	case r := <-results:
		elapsed := time.Since(start)
		if r.err != nil {
			return Outcome{Arm: r.arm, Elapsed: elapsed}, r.err
		}
		metrics.RecordFulfilment(string(r.arm), elapsed)
		log.WithFields(logrus.Fields{"arm": r.arm, "elapsed": elapsed}).Info("Request fulfilled")
		w.steps.Emit(steps.Step{Kind: steps.IntentFulfilled, ChainID: t.ChainID, RequestID: t.ID, Detail: string(r.arm)})
		return Outcome{Arm: r.arm, Elapsed: elapsed}, nil
	case <-timer.C:
		log.Warn("Timed out waiting for fulfilment")
		return Outcome{Elapsed: time.Since(start)}, errs.New(errs.KindLiquidityTimeout, "wait fulfilment",
			fmt.Errorf("request %s not fulfilled within %s", t.ID, w.opts.Timeout))
	case <-ctx.Done():
		return Outcome{Elapsed: time.Since(start)}, ctx.Err()
	}
}

func (w *Waiter) watchEvents(ctx context.Context, t Target, results chan<- result, log logrus.FieldLogger) {
	events, err := w.subscriber.SubscribeFulfilment(ctx, t.ChainID, t.Vault, t.Hash)
	if err != nil {
		log.WithError(err).Debug("Event subscription unavailable, relying on polling")
		return
	}
	select {
	case _, ok := <-events:
		if ok {
			results <- result{arm: ArmEvent}
		}
	case <-ctx.Done():
	}
}

func (w *Waiter) poll(ctx context.Context, t Target, results chan<- result, log logrus.FieldLogger) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		status, err := w.poller.RFFStatus(ctx, t.ID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Debug("Status poll failed, retrying")
		case status.State == types.RequestFulfilled:
			results <- result{arm: ArmPoll}
			return
		case status.State == types.RequestExpired || status.State == types.RequestRefunded:
			results <- result{arm: ArmPoll, err: errs.New(errs.KindLiquidityTimeout, "wait fulfilment",
				fmt.Errorf("request %s %s", t.ID, status.State))}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
