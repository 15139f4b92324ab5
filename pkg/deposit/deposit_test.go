package deposit

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ca-engine/pkg/chain/evm"
	"ca-engine/pkg/errs"
	"ca-engine/pkg/rff"
	"ca-engine/pkg/types"
)

const (
	evmChain    = 42161
	solanaChain = 900
)

var evmVault = types.AddressFromEVM(common.HexToAddress("0x00000000000000000000000000000000000000ee"))

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type registry struct {
	solVault types.Address
}

func (r registry) Chain(id uint64) (types.Chain, error) {
	switch id {
	case evmChain:
		return types.Chain{ID: id, Universe: types.UniverseEVM, Vault: evmVault}, nil
	case solanaChain:
		return types.Chain{ID: id, Universe: types.UniverseSolana, Vault: r.solVault}, nil
	}
	return types.Chain{}, errs.ChainNotFound(id)
}

func (registry) ChainByName(string) (types.Chain, error) { return types.Chain{}, errors.New("unused") }
func (registry) Chains() []types.Chain { return nil }
func (registry) Token(uint64, string) (types.Token, error) { return types.Token{}, errors.New("unused") }
func (registry) TokenByAddress(uint64, types.Address) (types.Token, error) { return types.Token{}, errors.New("unused") }
func (registry) COT(uint64) (types.Token, error) { return types.Token{}, errors.New("unused") }

type sender struct {
	calls   []evm.Call
	chainID uint64
}

func (s *sender) SendTransaction(_ context.Context, chainID uint64, call evm.Call) (common.Hash, error) {
	s.calls = append(s.calls, call)
	s.chainID = chainID
	return common.Hash{0xab}, nil
}

func handle(sources ...types.IntentSource) *rff.Handle {
	h := &rff.Handle{ID: "rff-1", Hash: common.Hash{7}, Intent: &types.Intent{Sources: sources}, Request: &rff.Request{}}
	for _, s := range sources {
		h.Request.Sources = append(h.Request.Sources, rff.Source{
			Universe: s.Universe,
			ChainID:  s.ChainID,
			Value:    types.ToBaseUnits(s.Amount, s.Token.Decimals),
		})
	}
	return h
}

func evmSource(native bool) types.IntentSource {
	tok := types.Token{ChainID: evmChain, Universe: types.UniverseEVM, Symbol: "USDC", Decimals: 6}
	if native {
		tok = types.Token{ChainID: evmChain, Universe: types.UniverseEVM, Symbol: "ETH", Decimals: 18, Native: true}
	}
	return types.IntentSource{Universe: types.UniverseEVM, ChainID: evmChain, Token: tok, Amount: decimal.RequireFromString("0.5")}
}

func TestEVMDepositNative(t *testing.T) {
	s := &sender{}
	d := NewEVMDepositor(registry{}, s, nil, quietLogger())
	h := handle(evmSource(false), evmSource(true))

	tx, err := d.Deposit(context.Background(), h, 1)
	require.NoError(t, err)
	assert.Equal(t, common.Hash{0xab}.Hex(), tx)

	require.Len(t, s.calls, 1)
	assert.Equal(t, uint64(evmChain), s.chainID)
	assert.Equal(t, evmVault.EVM(), s.calls[0].To)
	want, err := evm.PackDeposit(h.Hash, 1)
	require.NoError(t, err)
	assert.Equal(t, want, s.calls[0].Data)
	assert.Equal(t, new(big.Int).Mul(big.NewInt(5), big.NewInt(1e17)), s.calls[0].Value)
}

func TestEVMDepositTokenCarriesNoValue(t *testing.T) {
	s := &sender{}
	d := NewEVMDepositor(registry{}, s, nil, quietLogger())

	_, err := d.Deposit(context.Background(), handle(evmSource(false)), 0)
	require.NoError(t, err)
	require.Len(t, s.calls, 1)
	assert.Nil(t, s.calls[0].Value)
}

func TestEVMDepositWaitsForReceipt(t *testing.T) {
	reverted := errs.Reverted(evmChain, "0xab")
	var waited time.Duration
	mined := func(_ context.Context, chainID uint64, hash common.Hash, timeout time.Duration) error {
		waited = timeout
		return reverted
	}
	d := NewEVMDepositor(registry{}, &sender{}, mined, quietLogger())

	tx, err := d.Deposit(context.Background(), handle(evmSource(true)), 0)
	assert.ErrorIs(t, err, reverted)
	assert.NotEmpty(t, tx)
	assert.Positive(t, waited)
}

func TestDepositRejectsBadIndex(t *testing.T) {
	d := NewEVMDepositor(registry{}, &sender{}, nil, quietLogger())
	_, err := d.Deposit(context.Background(), handle(evmSource(true)), 3)
	assert.Error(t, err)
}

type solanaRPC struct {
	sent *solana.Transaction
}

func (f *solanaRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1}}}, nil
}

func (f *solanaRPC) GetAccountInfo(context.Context, solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	return nil, rpc.ErrNotFound
}

func (f *solanaRPC) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	f.sent = tx
	return tx.Signatures[0], nil
}

func TestSolanaDepositCreatesVaultTokenAccount(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	vaultKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	client := &solanaRPC{}
	d := NewSolanaDepositor(registry{solVault: types.Address(vaultKey.PublicKey())}, client, key, SolanaConfig{}, quietLogger())

	mint := solana.NewWallet().PublicKey()
	src := types.IntentSource{
		Universe: types.UniverseSolana,
		ChainID:  solanaChain,
		Token:    types.Token{ChainID: solanaChain, Universe: types.UniverseSolana, Address: types.Address(mint), Symbol: "USDC", Decimals: 6},
		Amount:   decimal.NewFromInt(12),
		Holder:   types.Address(key.PublicKey()),
	}

	sig, err := d.Deposit(context.Background(), handle(src), 0)
	require.NoError(t, err)
	require.NotNil(t, client.sent)
	assert.Equal(t, client.sent.Signatures[0].String(), sig)

	ixs := client.sent.Message.Instructions
	require.Len(t, ixs, 2)
	keys := client.sent.Message.AccountKeys
	assert.Equal(t, solana.SPLAssociatedTokenAccountProgramID, keys[ixs[0].ProgramIDIndex])
	assert.Equal(t, solana.TokenProgramID, keys[ixs[1].ProgramIDIndex])
}

func TestSolanaDepositRejectsForeignHolder(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	d := NewSolanaDepositor(registry{solVault: types.Address{1}}, &solanaRPC{}, key, SolanaConfig{}, quietLogger())
	src := types.IntentSource{
		Universe: types.UniverseSolana,
		ChainID:  solanaChain,
		Token:    types.Token{ChainID: solanaChain, Universe: types.UniverseSolana, Symbol: "SOL", Decimals: 9, Native: true},
		Amount:   decimal.NewFromInt(1),
		Holder:   types.Address{2},
	}
	_, err = d.Deposit(context.Background(), handle(src), 0)
	assert.Error(t, err)
}

func TestManagerDispatchesByUniverse(t *testing.T) {
	s := &sender{}
	m := NewManager()
	m.Register(types.UniverseEVM, NewEVMDepositor(registry{}, s, nil, quietLogger()))

	assert.True(t, m.IsEnabled(types.UniverseEVM))
	assert.False(t, m.IsEnabled(types.UniverseSolana))
	assert.Equal(t, []types.Universe{types.UniverseEVM}, m.GetSupportedUniverses())
	assert.Len(t, m.Depositors(), 1)

	_, err := m.Deposit(context.Background(), handle(evmSource(true)), 0)
	require.NoError(t, err)
	assert.Len(t, s.calls, 1)

	sol := types.IntentSource{Universe: types.UniverseSolana, ChainID: solanaChain, Token: types.Token{Decimals: 9}, Amount: decimal.NewFromInt(1)}
	_, err = m.Deposit(context.Background(), handle(sol), 0)
	assert.Error(t, err)
}
