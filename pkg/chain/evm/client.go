// Package evm talks to EVM chains over JSON-RPC.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"ca-engine/pkg/errs"
	"ca-engine/pkg/types"
)

const (
	defaultGasLimit = uint64(300_000)
	readRetries     = 3
)

// Client is one chain's RPC connection
type Client struct {
	chainID uint64
	eth     *ethclient.Client
	log     logrus.FieldLogger
}

// Dial connects to rpcURL and checks that it serves chainID
func Dial(ctx context.Context, chainID uint64, rpcURL string, log logrus.FieldLogger) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("RPC URL not configured for chain %d", chainID)
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}
	got, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	if got.Uint64() != chainID {
		eth.Close()
		return nil, fmt.Errorf("rpc %s serves chain %s, expected %d", rpcURL, got, chainID)
	}
	return &Client{
		chainID: chainID,
		eth:     eth,
		log:     log.WithField("chain_id", chainID),
	}, nil
}

func (c *Client) ChainID() uint64 {
	return c.chainID
}

// read retries transient RPC failures a few times
func read[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var out T
	err := backoff.Retry(func() error {
		v, err := fn()
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), readRetries), ctx))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return out, err
		}
		return out, errs.Transient(op, err)
	}
	return out, nil
}

// Allowance reads token.allowance(owner, spender)
func (c *Client) Allowance(ctx context.Context, token, owner, spender types.Address) (*big.Int, error) {
	data, err := erc20.Pack("allowance", owner.EVM(), spender.EVM())
	if err != nil {
		return nil, fmt.Errorf("failed to pack allowance data: %w", err)
	}
	return c.callUint(ctx, "allowance", token.EVM(), data)
}

// Code returns the code at account; empty for a plain EOA
func (c *Client) Code(ctx context.Context, account types.Address) ([]byte, error) {
	return read(ctx, "code", func() ([]byte, error) {
		return c.eth.CodeAt(ctx, account.EVM(), nil)
	})
}

// Nonce returns the pending nonce of account
func (c *Client) Nonce(ctx context.Context, account types.Address) (uint64, error) {
	return read(ctx, "nonce", func() (uint64, error) {
		return c.eth.PendingNonceAt(ctx, account.EVM())
	})
}

// PermitNonce reads token.nonces(owner) for EIP-2612 permits
func (c *Client) PermitNonce(ctx context.Context, token, owner types.Address) (*big.Int, error) {
	data, err := erc20.Pack("nonces", owner.EVM())
	if err != nil {
		return nil, fmt.Errorf("failed to pack nonces data: %w", err)
	}
	return c.callUint(ctx, "nonces", token.EVM(), data)
}

// TokenName reads token.name(), needed for permit domains
func (c *Client) TokenName(ctx context.Context, token types.Address) (string, error) {
	data, err := erc20.Pack("name")
	if err != nil {
		return "", fmt.Errorf("failed to pack name data: %w", err)
	}
	to := token.EVM()
	out, err := read(ctx, "name", func() ([]byte, error) {
		return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
	if err != nil {
		return "", err
	}
	values, err := erc20.Unpack("name", out)
	if err != nil || len(values) != 1 {
		return "", fmt.Errorf("failed to unpack name: %v", err)
	}
	name, _ := values[0].(string)
	return name, nil
}

// BalanceOf returns holder's balance of token in base units
func (c *Client) BalanceOf(ctx context.Context, token types.Token, holder types.Address) (*big.Int, error) {
	if token.Native {
		return read(ctx, "balance", func() (*big.Int, error) {
			return c.eth.BalanceAt(ctx, holder.EVM(), nil)
		})
	}
	data, err := erc20.Pack("balanceOf", holder.EVM())
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf data: %w", err)
	}
	return c.callUint(ctx, "balanceOf", token.Address.EVM(), data)
}

func (c *Client) callUint(ctx context.Context, method string, to common.Address, data []byte) (*big.Int, error) {
	out, err := read(ctx, method, func() ([]byte, error) {
		return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
	if err != nil {
		return nil, err
	}
	return unpackUint(method, out)
}

// Send signs call with key and broadcasts it
func (c *Client) Send(ctx context.Context, key *ecdsa.PrivateKey, call Call) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, errs.Transient("nonce", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, errs.Transient("gas price", err)
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	gasLimit := defaultGasLimit
	estimated, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &call.To, Value: value, Data: call.Data})
	if err == nil {
		gasLimit = estimated * 120 / 100 // Add 20% buffer
	} else {
		c.log.WithError(err).Debug("Gas estimation failed, using default limit")
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &call.To,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     call.Data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(new(big.Int).SetUint64(c.chainID)), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	c.log.WithFields(logrus.Fields{"tx_hash": signed.Hash().Hex(), "to": call.To.Hex()}).Debug("Transaction sent")
	return signed.Hash(), nil
}

// WaitMined polls for the receipt of hash until it is mined or timeout passes
func (c *Client) WaitMined(ctx context.Context, hash common.Hash, timeout time.Duration) (*gethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return receipt, errs.Reverted(c.chainID, hash.Hex())
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.log.WithError(err).Debug("Receipt lookup failed, retrying")
		}
		select {
		case <-ctx.Done():
			return nil, &errs.Error{Kind: errs.KindTransactionTimeout, ChainID: c.chainID, TxHash: hash.Hex(), Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// SubscribeFulfilment watches vault for the Fulfilment event of requestHash. The
// returned channel yields once if the event is seen and is closed when the
// subscription ends for any reason.
func (c *Client) SubscribeFulfilment(ctx context.Context, vaultAddr types.Address, requestHash common.Hash) (<-chan struct{}, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{vaultAddr.EVM()},
		Topics:    [][]common.Hash{{FulfilmentTopic}, {requestHash}},
	}
	logs := make(chan gethtypes.Log, 4)
	sub, err := c.eth.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe fulfilment logs: %w", err)
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		select {
		case l := <-logs:
			c.log.WithFields(logrus.Fields{"request_hash": requestHash.Hex(), "tx_hash": l.TxHash.Hex()}).Debug("Fulfilment event received")
			out <- struct{}{}
		case err := <-sub.Err():
			if err != nil {
				c.log.WithError(err).Debug("Fulfilment subscription ended")
			}
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Close closes the client connection
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}
