// Package steps defines the lifecycle events the engine reports while it works.
package steps

import (
	"sync"
	"time"
)

// Kind names a lifecycle step
type Kind string

const (
	IntentPlanned        Kind = "INTENT_PLANNED"
	AllowanceRequested   Kind = "ALLOWANCE_REQUESTED"
	AllowanceMined       Kind = "ALLOWANCE_MINED"
	AllowanceComplete    Kind = "ALLOWANCE_COMPLETE"
	IntentSigned         Kind = "INTENT_SIGNED"
	IntentSubmitted      Kind = "INTENT_SUBMITTED"
	IntentRebuilt        Kind = "INTENT_REBUILT"
	DepositSent          Kind = "DEPOSIT_SENT"
	DepositsComplete     Kind = "DEPOSITS_COMPLETE"
	IntentFulfilled      Kind = "INTENT_FULFILLED"
	DelegationAuthorized Kind = "DELEGATION_AUTHORIZED"
	BatchSubmitted       Kind = "BATCH_SUBMITTED"
	BatchConfirmed       Kind = "BATCH_CONFIRMED"
	SourceSwapsComplete  Kind = "SOURCE_SWAPS_COMPLETE"
	SourceSwapRetried    Kind = "SOURCE_SWAP_RETRIED"
	DestinationRequoted  Kind = "DESTINATION_REQUOTED"
	DestinationSwapDone  Kind = "DESTINATION_SWAP_COMPLETE"
	FundsSwept           Kind = "FUNDS_SWEPT"
	SwapComplete         Kind = "SWAP_COMPLETE"
)

// Step is one event. Only the fields relevant to Kind are set.
type Step struct {
	Kind      Kind
	ChainID   uint64
	TxHash    string
	RequestID string
	Detail    string
	At        time.Time
}

// Sink receives steps. Implementations must not block for long.
type Sink interface {
	Emit(Step)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(Step)

func (f SinkFunc) Emit(s Step) { f(s) }

// Discard drops every step
var Discard Sink = SinkFunc(func(Step) {})

// Recorder keeps every step in order; safe for concurrent use
type Recorder struct {
	mu    sync.Mutex
	steps []Step
}

func (r *Recorder) Emit(s Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, s)
}

// Steps returns a copy of the recorded steps
func (r *Recorder) Steps() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

// Kinds returns the recorded kinds in order
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.steps))
	for i, s := range r.steps {
		out[i] = s.Kind
	}
	return out
}

// Count returns how many steps of kind k were recorded
func (r *Recorder) Count(k Kind) int {
	n := 0
	for _, got := range r.Kinds() {
		if got == k {
			n++
		}
	}
	return n
}

// Emitter stamps steps and forwards them to a sink that may be nil
type Emitter struct {
	Sink Sink
	Now  func() time.Time
}

// Emit forwards s with At filled in
func (e Emitter) Emit(s Step) {
	if e.Sink == nil {
		return
	}
	if s.At.IsZero() {
		now := time.Now
		if e.Now != nil {
			now = e.Now
		}
		s.At = now()
	}
	e.Sink.Emit(s)
}
