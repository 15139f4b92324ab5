package client

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ca-engine/pkg/chain/evm"
	"ca-engine/pkg/errs"
	"ca-engine/pkg/fees"
	"ca-engine/pkg/rff"
	"ca-engine/pkg/sbc"
	"ca-engine/pkg/types"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func fastRetry() SettlementOption {
	return WithRetryConfig(RetryConfig{
		MaxRetries:           3,
		InitialInterval:      time.Millisecond,
		MaxInterval:          5 * time.Millisecond,
		RetryableStatusCodes: []int{429, 502, 503},
	})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *SettlementClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewSettlementClient(server.URL, "secret", quietLogger(), fastRetry())
}

func TestFeeSchedule(t *testing.T) {
	usdc := "0x000000000000000000000000833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fees", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{
			"protocol_bp": 5,
			"collection": [{"chain_id": 1, "token": "`+usdc+`", "amount": "250000"}],
			"fulfilment": [{"chain_id": 8453, "token": "`+usdc+`", "amount": "100000"}],
			"solver": [{"source_chain_id": 1, "source_token": "`+usdc+`", "destination_chain_id": 8453, "destination_token": "`+usdc+`", "bp": 7}]
		}`)
	})

	s, err := c.FeeSchedule(context.Background())
	require.NoError(t, err)

	tok, err := types.AddressFromBytes(common.FromHex(usdc))
	require.NoError(t, err)
	src := types.TokenKey{ChainID: 1, Address: tok}
	dst := types.TokenKey{ChainID: 8453, Address: tok}
	assert.Equal(t, uint64(5), s.ProtocolBP)
	assert.Equal(t, big.NewInt(250000), s.Collection[src])
	assert.Equal(t, big.NewInt(100000), s.Fulfilment[dst])
	assert.Equal(t, uint64(7), s.Solver[fees.Route{Source: src, Destination: dst}])
}

func TestSubmitRFFFeeExpired(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"code":"FEE_EXPIRED","message":"fee schedule changed"}`)
	})

	_, err := c.SubmitRFF(context.Background(), rff.Submission{Encoded: []byte{1}, Hash: common.Hash{1}})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindFeeExpired))
	assert.Contains(t, err.Error(), "fee schedule changed")
}

func TestSubmitRFFRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body submitJSON
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []byte{0xde, 0xad}, []byte(body.Request))
		require.Len(t, body.Signatures, 1)
		assert.Equal(t, types.UniverseTron, body.Signatures[0].Universe)

		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"id":"rff-42"}`)
	})

	id, err := c.SubmitRFF(context.Background(), rff.Submission{
		Encoded:    []byte{0xde, 0xad},
		Hash:       common.Hash{2},
		Signatures: []rff.Signature{{Universe: types.UniverseTron, Signature: []byte{9}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "rff-42", id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":"INVALID_SIGNATURE","message":"bad party"}`)
	})

	err := c.DoubleCheck(context.Background(), "rff-1")
	require.Error(t, err)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, "INVALID_SIGNATURE", httpErr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExhaustedRetriesAreTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	err := c.DoubleCheck(context.Background(), "rff-1")
	require.Error(t, err)
	assert.True(t, errs.Retryable(err))
}

func TestRFFStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rff/rff-7", r.URL.Path)
		_, _ = io.WriteString(w, `{"id":"rff-7","hash":"0xabc","status":"fulfilled","tx_hash":"0xdef","updated_at":"2026-01-02T03:04:05Z"}`)
	})

	st, err := c.RFFStatus(context.Background(), "rff-7")
	require.NoError(t, err)
	assert.Equal(t, types.RequestFulfilled, st.State)
	assert.True(t, st.State.Terminal())
	assert.Equal(t, "0xdef", st.TxHash)
	assert.Equal(t, 2026, st.UpdatedAt.Year())
}

func TestSubmitBatch(t *testing.T) {
	account := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sbc", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 8453, body["chain_id"])
		assert.Equal(t, true, body["revert_on_failure"])
		calls := body["calls"].([]interface{})
		require.Len(t, calls, 1)
		call := calls[0].(map[string]interface{})
		assert.Equal(t, "0x0", call["value"])
		assert.Equal(t, "0x01", call["data"])
		_, hasAuth := body["authorization"]
		assert.False(t, hasAuth)
		_, _ = io.WriteString(w, `{"tx_hash":"0x00000000000000000000000000000000000000000000000000000000000000ff"}`)
	})

	hash, err := c.SubmitBatch(context.Background(), &sbc.Batch{
		ChainID:         8453,
		Account:         account,
		Calls:           []evm.Call{{To: account, Data: []byte{1}}},
		Deadline:        big.NewInt(100),
		Nonce:           big.NewInt(7),
		RevertOnFailure: true,
		Signature:       []byte{1, 2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, common.BigToHash(big.NewInt(0xff)), hash)
}
