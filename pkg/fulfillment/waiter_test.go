package fulfillment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ca-engine/pkg/errs"
	"ca-engine/pkg/steps"
	"ca-engine/pkg/types"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type fakePoller struct {
	calls     atomic.Int32
	fulfilled atomic.Bool
	state     types.RequestState
	err       error
}

func (p *fakePoller) RFFStatus(context.Context, string) (types.RequestStatus, error) {
	p.calls.Add(1)
	if p.err != nil {
		return types.RequestStatus{}, p.err
	}
	if p.fulfilled.Load() {
		return types.RequestStatus{State: types.RequestFulfilled}, nil
	}
	state := p.state
	if state == "" {
		state = types.RequestPending
	}
	return types.RequestStatus{State: state}, nil
}

type fakeSubscriber struct {
	fire   chan struct{}
	err    error
	mu     sync.Mutex
	closed bool
}

func (s *fakeSubscriber) SubscribeFulfilment(ctx context.Context, _ uint64, _ types.Address, _ common.Hash) (<-chan struct{}, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(chan struct{}, 1)
	go func() {
		defer func() {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			close(out)
		}()
		select {
		case <-s.fire:
			out <- struct{}{}
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (s *fakeSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var target = Target{ID: "rff-1", Hash: common.Hash{1}, Universe: types.UniverseEVM, ChainID: 8453}

func TestEventArmWins(t *testing.T) {
	poller := &fakePoller{}
	sub := &fakeSubscriber{fire: make(chan struct{})}
	rec := &steps.Recorder{}
	w := NewWaiter(poller, sub, Options{PollInterval: time.Hour, Timeout: time.Minute}, rec, quietLogger())

	close(sub.fire)
	out, err := w.Wait(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, ArmEvent, out.Arm)
	assert.Equal(t, 1, rec.Count(steps.IntentFulfilled))
	assert.True(t, sub.isClosed() || eventually(sub.isClosed))
}

func TestPollArmWins(t *testing.T) {
	poller := &fakePoller{}
	sub := &fakeSubscriber{fire: make(chan struct{})}
	w := NewWaiter(poller, sub, Options{PollInterval: 5 * time.Millisecond, Timeout: time.Minute}, &steps.Recorder{}, quietLogger())

	go func() {
		time.Sleep(20 * time.Millisecond)
		poller.fulfilled.Store(true)
	}()
	out, err := w.Wait(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, ArmPoll, out.Arm)
	assert.True(t, eventually(sub.isClosed), "event arm still running")
}

func TestSimultaneousSuccessReportsOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		poller := &fakePoller{}
		poller.fulfilled.Store(true)
		sub := &fakeSubscriber{fire: make(chan struct{})}
		close(sub.fire)
		rec := &steps.Recorder{}
		w := NewWaiter(poller, sub, Options{PollInterval: time.Millisecond, Timeout: time.Minute}, rec, quietLogger())

		out, err := w.Wait(context.Background(), target)
		require.NoError(t, err)
		assert.Contains(t, []Arm{ArmEvent, ArmPoll}, out.Arm)
		require.Equal(t, 1, rec.Count(steps.IntentFulfilled))
	}
}

func TestTimeout(t *testing.T) {
	poller := &fakePoller{}
	w := NewWaiter(poller, nil, Options{PollInterval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond}, &steps.Recorder{}, quietLogger())

	_, err := w.Wait(context.Background(), target)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindLiquidityTimeout))

	calls := poller.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, poller.calls.Load(), "poll arm kept running after timeout")
}

func TestExpiredRequest(t *testing.T) {
	poller := &fakePoller{state: types.RequestExpired}
	w := NewWaiter(poller, nil, Options{PollInterval: time.Millisecond, Timeout: time.Minute}, &steps.Recorder{}, quietLogger())

	_, err := w.Wait(context.Background(), target)
	require.True(t, errs.Is(err, errs.KindLiquidityTimeout))
}

func TestSubscriptionFailureFallsBackToPolling(t *testing.T) {
	poller := &fakePoller{}
	poller.fulfilled.Store(true)
	sub := &fakeSubscriber{err: errors.New("notifications not supported")}
	w := NewWaiter(poller, sub, Options{PollInterval: time.Millisecond, Timeout: time.Minute}, &steps.Recorder{}, quietLogger())

	out, err := w.Wait(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, ArmPoll, out.Arm)
}

func TestNonEVMDestinationSkipsEvents(t *testing.T) {
	poller := &fakePoller{}
	poller.fulfilled.Store(true)
	sub := &fakeSubscriber{err: errors.New("must not be called")}
	w := NewWaiter(poller, sub, Options{PollInterval: time.Millisecond, Timeout: time.Minute}, &steps.Recorder{}, quietLogger())

	tg := target
	tg.Universe = types.UniverseSolana
	out, err := w.Wait(context.Background(), tg)
	require.NoError(t, err)
	assert.Equal(t, ArmPoll, out.Arm)
}

func TestCallerCancellation(t *testing.T) {
	poller := &fakePoller{err: errors.New("unavailable")}
	w := NewWaiter(poller, nil, Options{PollInterval: time.Millisecond, Timeout: time.Minute}, &steps.Recorder{}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.Wait(ctx, target)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
