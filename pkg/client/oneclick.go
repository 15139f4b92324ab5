package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	oneclick "github.com/defuse-protocol/one-click-sdk-go"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ca-engine/pkg/chain/evm"
	"ca-engine/pkg/errs"
	"ca-engine/pkg/swaproute"
	"ca-engine/pkg/types"
)

// slippageToleranceBP is the tolerance sent with every quote. Route-level
// slippage is enforced separately when quotes are compared.
const slippageToleranceBP = 100

const (
	defaultQuoteDeadline = 10 * time.Minute
	tokenListTTL         = 10 * time.Minute
)

// OneClickClient wraps the 1Click SDK. It quotes same-chain swaps for the swap
// router and prices gas for the selector.
type OneClickClient struct {
	client   *oneclick.APIClient
	jwt      string
	registry types.Registry
	// assets overrides the token list lookup with configured asset ids
	assets   map[types.TokenKey]string
	deadline time.Duration
	log      logrus.FieldLogger
	now      func() time.Time

	mu       sync.Mutex
	tokens   []oneclick.TokenResponse
	loadedAt time.Time
}

// NewOneClickClient creates a new 1Click API client
func NewOneClickClient(jwtToken string, registry types.Registry, assets map[types.TokenKey]string, log logrus.FieldLogger) *OneClickClient {
	if assets == nil {
		assets = make(map[types.TokenKey]string)
	}
	return &OneClickClient{
		client:   oneclick.NewAPIClient(oneclick.NewConfiguration()),
		jwt:      jwtToken,
		registry: registry,
		assets:   assets,
		deadline: defaultQuoteDeadline,
		log:      log.WithField("component", "oneclick"),
		now:      time.Now,
	}
}

func (c *OneClickClient) auth(ctx context.Context) context.Context {
	if c.jwt == "" {
		return ctx
	}
	return context.WithValue(ctx, oneclick.ContextAccessToken, c.jwt)
}

// apiError extracts the message of a failed SDK call and classifies it
func apiError(op string, httpResp *http.Response, err error) error {
	if httpResp == nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return errs.Transient(op, err)
	}
	defer httpResp.Body.Close()

	msg := err.Error()
	if body, readErr := io.ReadAll(httpResp.Body); readErr == nil && len(body) > 0 {
		var resp map[string]interface{}
		if json.Unmarshal(body, &resp) == nil {
			if m, ok := resp["message"].(string); ok {
				msg = m
			} else if e, ok := resp["errors"]; ok {
				msg = fmt.Sprint(e)
			}
		} else {
			msg = string(body)
		}
	}
	wrapped := fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, msg)
	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		return errs.Transient(op, wrapped)
	}
	return fmt.Errorf("%s: %w", op, wrapped)
}

// GetSupportedTokens retrieves all supported tokens, cached for a few minutes
func (c *OneClickClient) GetSupportedTokens(ctx context.Context) ([]oneclick.TokenResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens != nil && c.now().Sub(c.loadedAt) < tokenListTTL {
		return c.tokens, nil
	}

	resp, httpResp, err := c.client.OneClickAPI.GetTokens(c.auth(ctx)).Execute()
	if err != nil {
		return nil, apiError("get tokens", httpResp, err)
	}
	defer httpResp.Body.Close()

	c.tokens = resp
	c.loadedAt = c.now()
	return resp, nil
}

// FindToken searches for a token by symbol, restricted to blockchain when it is set
func (c *OneClickClient) FindToken(ctx context.Context, symbol, blockchain string) (*oneclick.TokenResponse, error) {
	tokens, err := c.GetSupportedTokens(ctx)
	if err != nil {
		return nil, err
	}
	for _, token := range tokens {
		if !strings.EqualFold(token.GetSymbol(), symbol) {
			continue
		}
		if blockchain == "" || strings.EqualFold(token.GetBlockchain(), blockchain) {
			t := token
			return &t, nil
		}
	}
	if blockchain != "" {
		return nil, fmt.Errorf("token '%s' not found on chain '%s'", symbol, blockchain)
	}
	return nil, fmt.Errorf("token '%s' not found", symbol)
}

// assetID resolves the 1Click asset of token: configured ids win, otherwise the
// token list is matched on chain name and contract address
func (c *OneClickClient) assetID(ctx context.Context, token types.Token) (string, error) {
	if id, ok := c.assets[token.Key()]; ok {
		return id, nil
	}
	chain, err := c.registry.Chain(token.ChainID)
	if err != nil {
		return "", err
	}
	tokens, err := c.GetSupportedTokens(ctx)
	if err != nil {
		return "", err
	}
	contract := token.Address.Format(token.Universe)
	for _, t := range tokens {
		if !strings.EqualFold(t.GetBlockchain(), chain.Name) {
			continue
		}
		if token.Native {
			if t.GetContractAddress() == "" && strings.EqualFold(t.GetSymbol(), token.Symbol) {
				return t.GetAssetId(), nil
			}
			continue
		}
		if strings.EqualFold(t.GetContractAddress(), contract) {
			return t.GetAssetId(), nil
		}
	}
	return "", errs.TokenNotFound(token.ChainID, token.Symbol)
}

// Quote implements swaproute.Aggregator. 1Click swaps are deposit based: the
// returned calls send the input to the quote's deposit address and the output
// arrives at the recipient asynchronously.
func (c *OneClickClient) Quote(ctx context.Context, req swaproute.QuoteRequest) (*swaproute.Quote, error) {
	originAsset, err := c.assetID(ctx, req.TokenIn)
	if err != nil {
		return nil, fmt.Errorf("source token error: %w", err)
	}
	destAsset, err := c.assetID(ctx, req.TokenOut)
	if err != nil {
		return nil, fmt.Errorf("destination token error: %w", err)
	}

	swapType := "EXACT_INPUT"
	amount := types.ToBaseUnits(req.Amount, req.TokenIn.Decimals)
	if req.Mode == swaproute.ExactOut {
		swapType = "EXACT_OUTPUT"
		amount = types.ToBaseUnits(req.Amount, req.TokenOut.Decimals)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("quote amount %s %s is below one base unit", req.Amount, req.TokenIn.Symbol)
	}

	deadline := c.now().Add(c.deadline)
	quoteReq := oneclick.NewQuoteRequest(
		false,
		swapType,
		slippageToleranceBP,
		originAsset,
		"ORIGIN_CHAIN",
		destAsset,
		amount.String(),
		req.Sender.Hex(),
		"ORIGIN_CHAIN",
		req.Recipient.Hex(),
		"DESTINATION_CHAIN",
		deadline,
	)

	resp, httpResp, err := c.client.OneClickAPI.GetQuote(c.auth(ctx)).QuoteRequest(*quoteReq).Execute()
	if err != nil {
		return nil, apiError("get quote", httpResp, err)
	}
	defer httpResp.Body.Close()
	if resp == nil {
		return nil, fmt.Errorf("empty quote response")
	}

	q := resp.GetQuote()
	amountIn, err := decimal.NewFromString(q.GetAmountInFormatted())
	if err != nil {
		return nil, fmt.Errorf("invalid quoted input %q: %w", q.GetAmountInFormatted(), err)
	}
	amountOut, err := decimal.NewFromString(q.GetAmountOutFormatted())
	if err != nil {
		return nil, fmt.Errorf("invalid quoted output %q: %w", q.GetAmountOutFormatted(), err)
	}
	deposit := q.GetDepositAddress()
	if !common.IsHexAddress(deposit) {
		return nil, fmt.Errorf("quote returned non-EVM deposit address %q", deposit)
	}

	call, err := depositCall(req.TokenIn, common.HexToAddress(deposit), amountIn)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"chain":    req.ChainID,
		"mode":     req.Mode,
		"in":       amountIn.String() + " " + req.TokenIn.Symbol,
		"out":      amountOut.String() + " " + req.TokenOut.Symbol,
		"deposit":  deposit,
		"estimate": q.GetTimeEstimate(),
	}).Debug("Quote received")

	return &swaproute.Quote{
		Request:   req,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Calls:     []evm.Call{call},
		Ref:       deposit,
		ExpiresAt: deadline,
	}, nil
}

func depositCall(token types.Token, deposit common.Address, amount decimal.Decimal) (evm.Call, error) {
	value := types.ToBaseUnits(amount, token.Decimals)
	if token.Native {
		return evm.Call{To: deposit, Value: value}, nil
	}
	return evm.TransferCall(token.Address.EVM(), deposit, value)
}

// NativeToToken implements selector.PriceOracle with a dry quote from the
// chain's native currency
func (c *OneClickClient) NativeToToken(ctx context.Context, chainID uint64, token types.Token, native decimal.Decimal) (decimal.Decimal, error) {
	if native.IsZero() {
		return decimal.Zero, nil
	}
	if token.Native && token.ChainID == chainID {
		return native, nil
	}
	chain, err := c.registry.Chain(chainID)
	if err != nil {
		return decimal.Zero, err
	}
	nativeToken := types.Token{
		ChainID:  chainID,
		Universe: chain.Universe,
		Symbol:   chain.NativeSymbol,
		Decimals: chain.NativeDecimals,
		Native:   true,
	}
	originAsset, err := c.assetID(ctx, nativeToken)
	if err != nil {
		return decimal.Zero, err
	}
	destAsset, err := c.assetID(ctx, token)
	if err != nil {
		return decimal.Zero, err
	}

	placeholder := common.Address{}.Hex()
	quoteReq := oneclick.NewQuoteRequest(
		true,
		"EXACT_INPUT",
		slippageToleranceBP,
		originAsset,
		"ORIGIN_CHAIN",
		destAsset,
		types.ToBaseUnits(native, nativeToken.Decimals).String(),
		placeholder,
		"ORIGIN_CHAIN",
		placeholder,
		"DESTINATION_CHAIN",
		c.now().Add(c.deadline),
	)
	resp, httpResp, err := c.client.OneClickAPI.GetQuote(c.auth(ctx)).QuoteRequest(*quoteReq).Execute()
	if err != nil {
		return decimal.Zero, apiError("price gas", httpResp, err)
	}
	defer httpResp.Body.Close()

	q := resp.GetQuote()
	out, err := decimal.NewFromString(q.GetAmountOutFormatted())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid priced output %q: %w", q.GetAmountOutFormatted(), err)
	}
	return out, nil
}

// GetSwapStatus checks the execution status of a swap
func (c *OneClickClient) GetSwapStatus(ctx context.Context, depositAddress string) (*oneclick.GetExecutionStatusResponse, error) {
	resp, httpResp, err := c.client.OneClickAPI.GetExecutionStatus(c.auth(ctx)).DepositAddress(depositAddress).Execute()
	if err != nil {
		return nil, apiError("get status", httpResp, err)
	}
	defer httpResp.Body.Close()
	return resp, nil
}

// SubmitDepositTx tells 1Click which transaction funded a deposit address, which
// speeds up detection
func (c *OneClickClient) SubmitDepositTx(ctx context.Context, depositAddress, txHash string) error {
	req := oneclick.NewSubmitDepositTxRequest(depositAddress, txHash)
	_, httpResp, err := c.client.OneClickAPI.SubmitDepositTx(c.auth(ctx)).SubmitDepositTxRequest(*req).Execute()
	if err != nil {
		return apiError("submit deposit", httpResp, err)
	}
	defer httpResp.Body.Close()
	return nil
}
