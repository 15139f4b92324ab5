package evm

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestERC20Selectors(t *testing.T) {
	spender := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	tests := []struct {
		name     string
		pack     func() ([]byte, error)
		selector string
	}{
		{"approve", func() ([]byte, error) { return PackApprove(spender, big.NewInt(1)) }, "approve(address,uint256)"},
		{"transfer", func() ([]byte, error) { return PackTransfer(spender, big.NewInt(1)) }, "transfer(address,uint256)"},
		{"transferFrom", func() ([]byte, error) { return PackTransferFrom(spender, spender, big.NewInt(1)) }, "transferFrom(address,address,uint256)"},
		{"deposit", func() ([]byte, error) { return PackDeposit(common.Hash{1}, 2) }, "deposit(bytes32,uint256)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.pack()
			require.NoError(t, err)
			assert.Equal(t, crypto.Keccak256([]byte(tt.selector))[:4], data[:4])
		})
	}
}

func TestApproveCallEncodesArguments(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	spender := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	call, err := ApproveCall(token, spender, big.NewInt(1_000_000))
	require.NoError(t, err)

	assert.Equal(t, token, call.To)
	assert.Zero(t, call.Value.Sign())
	require.Len(t, call.Data, 4+64)
	assert.Equal(t, common.LeftPadBytes(spender.Bytes(), 32), call.Data[4:36])
	assert.Equal(t, int64(1_000_000), new(big.Int).SetBytes(call.Data[36:]).Int64())
}

func TestPackPermitNormalisesV(t *testing.T) {
	sig := make([]byte, 65)
	sig[64] = 1
	data, err := PackPermit(common.Address{1}, common.Address{2}, big.NewInt(5), big.NewInt(6), sig)
	require.NoError(t, err)
	// v is the fifth word after the selector
	assert.Equal(t, byte(28), data[4+5*32-1])

	_, err = PackPermit(common.Address{1}, common.Address{2}, big.NewInt(5), big.NewInt(6), sig[:64])
	require.Error(t, err)
}

func TestFulfilmentTopic(t *testing.T) {
	assert.Equal(t, crypto.Keccak256Hash([]byte("Fulfilment(bytes32,address,uint256)")), FulfilmentTopic)
}
