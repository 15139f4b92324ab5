package rff

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ca-engine/pkg/errs"
	"ca-engine/pkg/signer"
	"ca-engine/pkg/steps"
	"ca-engine/pkg/types"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func evmToken(chainID uint64, b byte, native bool) types.Token {
	tok := types.Token{ChainID: chainID, Universe: types.UniverseEVM, Symbol: "USDC", Decimals: 6, Native: native}
	if native {
		tok.Symbol, tok.Decimals = "ETH", 18
	} else {
		tok.Address = types.AddressFromEVM(common.BytesToAddress([]byte{b}))
	}
	return tok
}

type fixture struct {
	evm    *signer.EVMWallet
	sol    *signer.SolanaWallet
	intent *types.Intent
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	evmWallet, err := signer.GenerateEVMWallet(nil)
	require.NoError(t, err)
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	solWallet, err := signer.NewSolanaWallet(key.String(), nil)
	require.NoError(t, err)

	solUSDC := types.Token{ChainID: 900, Universe: types.UniverseSolana, Address: types.Address{9}, Symbol: "USDC", Decimals: 6}
	intent := &types.Intent{
		Destination: types.IntentDestination{
			Universe:  types.UniverseEVM,
			ChainID:   8453,
			Token:     evmToken(8453, 3, false),
			Amount:    decimal.RequireFromString("100"),
			Gas:       decimal.RequireFromString("0.001"),
			Recipient: evmWallet.Address(),
		},
		Sources: []types.IntentSource{
			{Universe: types.UniverseEVM, ChainID: 42161, Token: evmToken(42161, 1, false), Amount: decimal.RequireFromString("40"), Holder: evmWallet.Address()},
			{Universe: types.UniverseEVM, ChainID: 10, Token: evmToken(10, 0, true), Amount: decimal.RequireFromString("0.01"), Holder: evmWallet.Address()},
			{Universe: types.UniverseSolana, ChainID: 900, Token: solUSDC, Amount: decimal.RequireFromString("60.5"), Holder: solWallet.Address()},
		},
	}
	return fixture{evm: evmWallet, sol: solWallet, intent: intent}
}

func (f fixture) signers() Signers {
	return Signers{types.UniverseEVM: f.evm, types.UniverseSolana: f.sol}
}

func (f fixture) build(t *testing.T) *Request {
	t.Helper()
	req, err := Build(f.intent, BuildOptions{
		Parties:        f.signers().Parties(),
		NativeDecimals: 18,
		Now:            time.Unix(1_700_000_000, 0),
	})
	require.NoError(t, err)
	return req
}

func TestBuild(t *testing.T) {
	f := newFixture(t)
	req := f.build(t)

	require.Len(t, req.Sources, 3)
	assert.Equal(t, big.NewInt(40_000_000), req.Sources[0].Value)
	assert.Equal(t, big.NewInt(10_000_000_000_000_000), req.Sources[1].Value)
	assert.Equal(t, big.NewInt(60_500_000), req.Sources[2].Value)
	assert.Equal(t, types.UniverseSolana, req.Sources[2].Universe)

	require.Len(t, req.Destinations, 2)
	assert.Equal(t, big.NewInt(100_000_000), req.Destinations[0].Value)
	assert.Equal(t, types.ZeroAddress, req.Destinations[1].ContractAddress)
	assert.Equal(t, big.NewInt(1_000_000_000_000_000), req.Destinations[1].Value)

	assert.Equal(t, uint64(1_700_000_000+15*60), req.Expiry)
	assert.Equal(t, []Party{
		{Universe: types.UniverseEVM, Address: f.evm.Address()},
		{Universe: types.UniverseSolana, Address: f.sol.Address()},
	}, req.Parties)
	assert.True(t, req.Nonce.Sign() > 0)

	other := f.build(t)
	assert.NotEqual(t, req.Nonce, other.Nonce)
}

func TestBuildRejectsForeignHolder(t *testing.T) {
	f := newFixture(t)
	f.intent.Sources[0].Holder = types.Address{1}

	_, err := Build(f.intent, BuildOptions{Parties: f.signers().Parties()})
	require.Error(t, err)

	_, err = Build(f.intent, BuildOptions{Parties: map[types.Universe]types.Address{types.UniverseEVM: f.evm.Address()}})
	require.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req := newFixture(t).build(t)

	enc, err := req.Encode()
	require.NoError(t, err)
	decoded, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, req, decoded)

	h1, err := req.Hash()
	require.NoError(t, err)
	h2, err := decoded.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHashChangesOnAnyMutation(t *testing.T) {
	base := newFixture(t).build(t)
	baseHash, err := base.Hash()
	require.NoError(t, err)

	mutations := map[string]func(r *Request){
		"source universe":      func(r *Request) { r.Sources[0].Universe = types.UniverseTron },
		"source chain":         func(r *Request) { r.Sources[0].ChainID++ },
		"source contract":      func(r *Request) { r.Sources[1].ContractAddress[31] ^= 1 },
		"source value":         func(r *Request) { r.Sources[2].Value = new(big.Int).Add(r.Sources[2].Value, big.NewInt(1)) },
		"destination universe": func(r *Request) { r.DestinationUniverse = types.UniverseSolana },
		"destination chain":    func(r *Request) { r.DestinationChainID++ },
		"recipient":            func(r *Request) { r.RecipientAddress[0] ^= 1 },
		"destination token":    func(r *Request) { r.Destinations[0].ContractAddress[31] ^= 1 },
		"destination value":    func(r *Request) { r.Destinations[1].Value = big.NewInt(1) },
		"nonce":                func(r *Request) { r.Nonce = new(big.Int).Add(r.Nonce, big.NewInt(1)) },
		"expiry":               func(r *Request) { r.Expiry++ },
		"party universe":       func(r *Request) { r.Parties[1].Universe = types.UniverseTron },
		"party address":        func(r *Request) { r.Parties[0].Address[31] ^= 1 },
		"dropped source":       func(r *Request) { r.Sources = r.Sources[:2] },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			enc, err := base.Encode()
			require.NoError(t, err)
			r, err := Decode(enc)
			require.NoError(t, err)

			mutate(r)
			h, err := r.Hash()
			require.NoError(t, err)
			assert.NotEqual(t, baseHash, h)
		})
	}
}

func TestSign(t *testing.T) {
	f := newFixture(t)
	req := f.build(t)
	hash, err := req.Hash()
	require.NoError(t, err)

	sigs, err := Sign(context.Background(), req, f.signers())
	require.NoError(t, err)
	require.Len(t, sigs, 2)

	addr, err := signer.RecoverEIP191(hash.Bytes(), sigs[0].Signature)
	require.NoError(t, err)
	assert.Equal(t, f.evm.EVMAddress(), addr)
	assert.True(t, signer.VerifySolana(f.sol.Address(), hash.Bytes(), sigs[1].Signature))

	_, err = Sign(context.Background(), req, Signers{types.UniverseEVM: f.evm})
	require.Error(t, err)
}

type fakeSettlement struct {
	mu           sync.Mutex
	rejections   int
	submissions  []Submission
	doubleChecks int
	checkErr     error
}

func (s *fakeSettlement) SubmitRFF(_ context.Context, sub Submission) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions = append(s.submissions, sub)
	if s.rejections > 0 {
		s.rejections--
		return "", errs.New(errs.KindFeeExpired, "submit", errors.New("fee schedule changed"))
	}
	return "rff-1", nil
}

func (s *fakeSettlement) DoubleCheck(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doubleChecks++
	return s.checkErr
}

func newClient(s *fakeSettlement, deps map[types.Universe]Depositor, rec *steps.Recorder) *Client {
	return NewClient(s, deps, Options{DoubleCheckAttempts: 3, DoubleCheckInterval: time.Millisecond}, rec, quietLogger())
}

func TestSubmitRebuildsOnceOnFeeExpired(t *testing.T) {
	f := newFixture(t)
	settlement := &fakeSettlement{rejections: 1}
	rec := &steps.Recorder{}
	builds := 0

	h, err := newClient(settlement, nil, rec).Submit(context.Background(), SubmitParams{
		Signers:        f.signers(),
		NativeDecimals: 18,
		Build: func(context.Context) (*types.Intent, error) {
			builds++
			return f.intent, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "rff-1", h.ID)
	assert.Equal(t, 2, builds)
	require.Len(t, settlement.submissions, 2)
	assert.NotEqual(t, settlement.submissions[0].Hash, settlement.submissions[1].Hash)
	assert.Equal(t, 1, rec.Count(steps.IntentRebuilt))
	assert.Equal(t, 1, rec.Count(steps.IntentSubmitted))

	decoded, err := Decode(h.Encoded)
	require.NoError(t, err)
	hash, err := decoded.Hash()
	require.NoError(t, err)
	assert.Equal(t, h.Hash, hash)
}

func TestSubmitSecondFeeExpiredIsFatal(t *testing.T) {
	f := newFixture(t)
	settlement := &fakeSettlement{rejections: 2}
	builds := 0

	_, err := newClient(settlement, nil, &steps.Recorder{}).Submit(context.Background(), SubmitParams{
		Signers: f.signers(),
		Build: func(context.Context) (*types.Intent, error) {
			builds++
			return f.intent, nil
		},
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindFeeExpired))
	assert.Equal(t, 2, builds)
	assert.Len(t, settlement.submissions, 2)
}

func TestSubmitUserRejectedIsNotRetried(t *testing.T) {
	f := newFixture(t)
	rejecting, err := signer.NewSolanaWallet(f.sol.PrivateKey().String(), func(context.Context, string) bool { return false })
	require.NoError(t, err)
	settlement := &fakeSettlement{}
	builds := 0

	_, err = newClient(settlement, nil, &steps.Recorder{}).Submit(context.Background(), SubmitParams{
		Signers: Signers{types.UniverseEVM: f.evm, types.UniverseSolana: rejecting},
		Build: func(context.Context) (*types.Intent, error) {
			builds++
			return f.intent, nil
		},
	})
	require.True(t, errs.Is(err, errs.KindUserRejected))
	assert.Equal(t, 1, builds)
	assert.Empty(t, settlement.submissions)
}

type fakeDepositor struct {
	mu      sync.Mutex
	indexes []int
	err     error
}

func (d *fakeDepositor) Deposit(_ context.Context, _ *Handle, index int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.indexes = append(d.indexes, index)
	return "0xdead", d.err
}

func TestDepositOnlyWhereRequired(t *testing.T) {
	f := newFixture(t)
	evmDep, solDep := &fakeDepositor{}, &fakeDepositor{}
	rec := &steps.Recorder{}
	c := newClient(&fakeSettlement{}, map[types.Universe]Depositor{types.UniverseEVM: evmDep, types.UniverseSolana: solDep}, rec)

	err := c.Deposit(context.Background(), &Handle{ID: "rff-1", Intent: f.intent, Request: f.build(t)})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, evmDep.indexes)
	assert.Equal(t, []int{2}, solDep.indexes)
	assert.Equal(t, 2, rec.Count(steps.DepositSent))
	assert.Equal(t, 1, rec.Count(steps.DepositsComplete))
}

func TestDepositFailureAndMissingDepositor(t *testing.T) {
	f := newFixture(t)
	h := &Handle{ID: "rff-1", Intent: f.intent}

	c := newClient(&fakeSettlement{}, map[types.Universe]Depositor{
		types.UniverseEVM:    &fakeDepositor{},
		types.UniverseSolana: &fakeDepositor{err: errors.New("blockhash expired")},
	}, &steps.Recorder{})
	require.Error(t, c.Deposit(context.Background(), h))

	c = newClient(&fakeSettlement{}, map[types.Universe]Depositor{types.UniverseEVM: &fakeDepositor{}}, &steps.Recorder{})
	err := c.Deposit(context.Background(), h)
	require.True(t, errs.Is(err, errs.KindUnsupported))
}

func TestDoubleCheckIsBounded(t *testing.T) {
	settlement := &fakeSettlement{checkErr: errors.New("not yet indexed")}
	c := newClient(settlement, nil, &steps.Recorder{})

	ctx, cancel := context.WithCancel(context.Background())
	done := c.DoubleCheck(ctx, &Handle{ID: "rff-1"})
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("double-check did not finish")
	}
	assert.Equal(t, 3, settlement.doubleChecks)
}

func TestNeedsDeposit(t *testing.T) {
	f := newFixture(t)
	assert.False(t, NeedsDeposit(f.intent.Sources[0]))
	assert.True(t, NeedsDeposit(f.intent.Sources[1]))
	assert.True(t, NeedsDeposit(f.intent.Sources[2]))
	assert.False(t, NeedsDeposit(types.IntentSource{Universe: types.UniverseTron}))
}
