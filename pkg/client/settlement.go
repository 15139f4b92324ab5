package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"ca-engine/pkg/errs"
	"ca-engine/pkg/fees"
	"ca-engine/pkg/rff"
	"ca-engine/pkg/sbc"
	"ca-engine/pkg/types"
)

// feeExpiredCode is the rejection code for a request priced with a stale fee schedule
const feeExpiredCode = "FEE_EXPIRED"

// HTTPError is a non-2xx answer from the settlement layer
type HTTPError struct {
	StatusCode int
	Method     string
	URL        string
	Code       string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s failed with status %d (%s): %s", e.Method, e.URL, e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// RetryConfig bounds retries of transient failures
type RetryConfig struct {
	MaxRetries           int
	InitialInterval      time.Duration
	MaxInterval          time.Duration
	RetryableStatusCodes []int
}

// DefaultRetryConfig retries timeouts, rate limits and gateway errors three times
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:           3,
		InitialInterval:      200 * time.Millisecond,
		MaxInterval:          5 * time.Second,
		RetryableStatusCodes: []int{408, 429, 500, 502, 503, 504},
	}
}

// SettlementClient talks to the settlement layer API. It serves fee schedules,
// accepts requests, reports their status and relays batched calls.
type SettlementClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	retry      RetryConfig
	log        logrus.FieldLogger
}

// SettlementOption customizes a SettlementClient
type SettlementOption func(*SettlementClient)

// WithHTTPClient replaces the underlying http client
func WithHTTPClient(c *http.Client) SettlementOption {
	return func(s *SettlementClient) {
		s.httpClient = c
	}
}

// WithRetryConfig replaces the retry policy
func WithRetryConfig(cfg RetryConfig) SettlementOption {
	return func(s *SettlementClient) {
		s.retry = cfg
	}
}

// NewSettlementClient creates a client for baseURL
func NewSettlementClient(baseURL, apiKey string, log logrus.FieldLogger, opts ...SettlementOption) *SettlementClient {
	c := &SettlementClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		retry:      DefaultRetryConfig(),
		log:        log.WithField("component", "settlement"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends one JSON request, retrying transient failures, and decodes a 2xx body into out
func (c *SettlementClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}
	fullURL := c.baseURL + path
	start := time.Now()

	var respBody []byte
	operation := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			respBody = data
			return nil
		}
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Method: method, URL: fullURL, Body: strings.TrimSpace(string(data))}
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil {
			httpErr.Code = apiErr.Code
			if apiErr.Message != "" {
				httpErr.Body = apiErr.Message
			}
		}
		for _, code := range c.retry.RetryableStatusCodes {
			if resp.StatusCode == code {
				return httpErr
			}
		}
		return backoff.Permanent(httpErr)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.retry.InitialInterval
	expBackoff.MaxInterval = c.retry.MaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(c.retry.MaxRetries)), ctx)

	err := backoff.Retry(operation, policy)
	log := c.log.WithFields(logrus.Fields{"method": method, "path": path, "duration": time.Since(start)})
	if err != nil {
		log.WithError(err).Warn("Settlement request failed")
		return classify(err)
	}
	log.Debug("Settlement request succeeded")
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// classify maps transport failures onto the error taxonomy
func classify(err error) error {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return errs.Transient("settlement", err)
	}
	switch {
	case httpErr.Code == feeExpiredCode:
		return errs.New(errs.KindFeeExpired, "submit request", httpErr)
	case httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode == http.StatusRequestTimeout:
		return errs.Transient("settlement", httpErr)
	default:
		return httpErr
	}
}

type feeEntryJSON struct {
	ChainID uint64 `json:"chain_id"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
}

type solverFeeJSON struct {
	SourceChainID      uint64 `json:"source_chain_id"`
	SourceToken        string `json:"source_token"`
	DestinationChainID uint64 `json:"destination_chain_id"`
	DestinationToken   string `json:"destination_token"`
	BP                 uint64 `json:"bp"`
}

type feeScheduleJSON struct {
	ProtocolBP uint64          `json:"protocol_bp"`
	Collection []feeEntryJSON  `json:"collection"`
	Fulfilment []feeEntryJSON  `json:"fulfilment"`
	Solver     []solverFeeJSON `json:"solver"`
}

func parseKey(chainID uint64, token string) (types.TokenKey, error) {
	b, err := hexutil.Decode(token)
	if err != nil {
		return types.TokenKey{}, fmt.Errorf("invalid token %q: %w", token, err)
	}
	a, err := types.AddressFromBytes(b)
	if err != nil {
		return types.TokenKey{}, err
	}
	return types.TokenKey{ChainID: chainID, Address: a}, nil
}

func fillFixed(table map[types.TokenKey]*big.Int, entries []feeEntryJSON) error {
	for _, e := range entries {
		key, err := parseKey(e.ChainID, e.Token)
		if err != nil {
			return err
		}
		v, ok := new(big.Int).SetString(e.Amount, 10)
		if !ok {
			return fmt.Errorf("invalid fee amount %q", e.Amount)
		}
		table[key] = v
	}
	return nil
}

// FeeSchedule fetches the current fee table
func (c *SettlementClient) FeeSchedule(ctx context.Context) (fees.Schedule, error) {
	var raw feeScheduleJSON
	if err := c.do(ctx, http.MethodGet, "/fees", nil, &raw); err != nil {
		return fees.Schedule{}, err
	}
	s := fees.NewSchedule(raw.ProtocolBP)
	if err := fillFixed(s.Collection, raw.Collection); err != nil {
		return fees.Schedule{}, err
	}
	if err := fillFixed(s.Fulfilment, raw.Fulfilment); err != nil {
		return fees.Schedule{}, err
	}
	for _, e := range raw.Solver {
		src, err := parseKey(e.SourceChainID, e.SourceToken)
		if err != nil {
			return fees.Schedule{}, err
		}
		dst, err := parseKey(e.DestinationChainID, e.DestinationToken)
		if err != nil {
			return fees.Schedule{}, err
		}
		s.Solver[fees.Route{Source: src, Destination: dst}] = e.BP
	}
	return s, nil
}

type signatureJSON struct {
	Universe  types.Universe `json:"universe"`
	Address   string         `json:"address"`
	Signature hexutil.Bytes  `json:"signature"`
}

type submitJSON struct {
	Request    hexutil.Bytes   `json:"request"`
	Hash       common.Hash     `json:"hash"`
	Signatures []signatureJSON `json:"signatures"`
}

// SubmitRFF posts a signed request and returns its id. A stale fee schedule is
// reported as FeeExpired.
func (c *SettlementClient) SubmitRFF(ctx context.Context, sub rff.Submission) (string, error) {
	body := submitJSON{Request: sub.Encoded, Hash: sub.Hash}
	for _, s := range sub.Signatures {
		body.Signatures = append(body.Signatures, signatureJSON{
			Universe:  s.Universe,
			Address:   s.Address.Hex(),
			Signature: s.Signature,
		})
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/rff", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("settlement accepted request %s without an id", sub.Hash.Hex())
	}
	return out.ID, nil
}

// DoubleCheck asks the settlement layer to re-verify a submitted request
func (c *SettlementClient) DoubleCheck(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/rff/"+url.PathEscape(id)+"/double-check", nil, nil)
}

type statusJSON struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	TxHash    string    `json:"tx_hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RFFStatus returns the current state of a request
func (c *SettlementClient) RFFStatus(ctx context.Context, id string) (types.RequestStatus, error) {
	var raw statusJSON
	if err := c.do(ctx, http.MethodGet, "/rff/"+url.PathEscape(id), nil, &raw); err != nil {
		return types.RequestStatus{}, err
	}
	return types.RequestStatus{
		ID:        raw.ID,
		Hash:      raw.Hash,
		State:     types.RequestState(strings.ToUpper(raw.Status)),
		Message:   raw.Message,
		TxHash:    raw.TxHash,
		UpdatedAt: raw.UpdatedAt,
	}, nil
}

type callJSON struct {
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value"`
	Data  hexutil.Bytes  `json:"data"`
}

type batchJSON struct {
	ChainID         uint64                           `json:"chain_id"`
	Account         common.Address                   `json:"account"`
	Calls           []callJSON                       `json:"calls"`
	Deadline        *hexutil.Big                     `json:"deadline"`
	Nonce           *hexutil.Big                     `json:"nonce"`
	RevertOnFailure bool                             `json:"revert_on_failure"`
	Signature       hexutil.Bytes                    `json:"signature"`
	Authorization   *gethtypes.SetCodeAuthorization `json:"authorization,omitempty"`
}

// SubmitBatch relays a signed batch and returns the transaction hash
func (c *SettlementClient) SubmitBatch(ctx context.Context, b *sbc.Batch) (common.Hash, error) {
	body := batchJSON{
		ChainID:         b.ChainID,
		Account:         b.Account,
		Deadline:        (*hexutil.Big)(b.Deadline),
		Nonce:           (*hexutil.Big)(b.Nonce),
		RevertOnFailure: b.RevertOnFailure,
		Signature:       b.Signature,
		Authorization:   b.Authorization,
	}
	for _, call := range b.Calls {
		value := call.Value
		if value == nil {
			value = new(big.Int)
		}
		body.Calls = append(body.Calls, callJSON{To: call.To, Value: (*hexutil.Big)(value), Data: call.Data})
	}
	var out struct {
		TxHash common.Hash `json:"tx_hash"`
	}
	if err := c.do(ctx, http.MethodPost, "/sbc", body, &out); err != nil {
		return common.Hash{}, err
	}
	if out.TxHash == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("relayer returned no transaction hash for chain %d", b.ChainID)
	}
	return out.TxHash, nil
}
