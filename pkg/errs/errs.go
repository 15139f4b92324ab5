// Package errs defines the error taxonomy surfaced by the engine.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind classifies an engine failure
type Kind int

const (
	KindUnknown Kind = iota
	KindInsufficientBalance
	KindFeeExpired
	KindUserRejected
	KindRateChanged
	KindSlippageExceeded
	KindChainNotFound
	KindTokenNotFound
	KindUnsupported
	KindTransactionReverted
	KindTransactionTimeout
	KindLiquidityTimeout
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindFeeExpired:
		return "fee_expired"
	case KindUserRejected:
		return "user_rejected"
	case KindRateChanged:
		return "rate_changed"
	case KindSlippageExceeded:
		return "slippage_exceeded"
	case KindChainNotFound:
		return "chain_not_found"
	case KindTokenNotFound:
		return "token_not_found"
	case KindUnsupported:
		return "unsupported"
	case KindTransactionReverted:
		return "transaction_reverted"
	case KindTransactionTimeout:
		return "transaction_timeout"
	case KindLiquidityTimeout:
		return "liquidity_timeout"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus whatever context the failing operation had
type Error struct {
	Kind    Kind
	Op      string
	ChainID uint64
	TxHash  string
	// Required and Available are set for balance and rate failures
	Required  decimal.Decimal
	Available decimal.Decimal
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.ChainID != 0 {
		fmt.Fprintf(&b, " (chain %d)", e.ChainID)
	}
	if e.TxHash != "" {
		fmt.Fprintf(&b, " tx %s", e.TxHash)
	}
	switch e.Kind {
	case KindInsufficientBalance, KindRateChanged, KindSlippageExceeded:
		fmt.Fprintf(&b, ": required %s, available %s", e.Required.String(), e.Available.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on Kind alone when the target is an *Error sentinel
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrFeeExpired          = &Error{Kind: KindFeeExpired}
	ErrUserRejected        = &Error{Kind: KindUserRejected}
	ErrRateChanged         = &Error{Kind: KindRateChanged}
	ErrSlippageExceeded    = &Error{Kind: KindSlippageExceeded}
	ErrChainNotFound       = &Error{Kind: KindChainNotFound}
	ErrTokenNotFound       = &Error{Kind: KindTokenNotFound}
	ErrLiquidityTimeout    = &Error{Kind: KindLiquidityTimeout}
)

// New builds an *Error of the given kind
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Insufficient reports that available funds do not cover required
func Insufficient(op string, required, available decimal.Decimal) *Error {
	return &Error{Kind: KindInsufficientBalance, Op: op, Required: required, Available: available}
}

// ChainNotFound reports an unknown chain id
func ChainNotFound(chainID uint64) *Error {
	return &Error{Kind: KindChainNotFound, ChainID: chainID}
}

// TokenNotFound reports an unknown token on a chain
func TokenNotFound(chainID uint64, token string) *Error {
	return &Error{Kind: KindTokenNotFound, ChainID: chainID, Err: fmt.Errorf("token %s", token)}
}

// Reverted reports a mined transaction that failed
func Reverted(chainID uint64, txHash string) *Error {
	return &Error{Kind: KindTransactionReverted, ChainID: chainID, TxHash: txHash}
}

// Transient wraps a retryable infrastructure error
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err may succeed when retried unchanged
func Retryable(err error) bool {
	return Is(err, KindTransient)
}
