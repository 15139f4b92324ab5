package deposit

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"ca-engine/pkg/chain/evm"
	"ca-engine/pkg/rff"
	"ca-engine/pkg/types"
)

// TxSender broadcasts a call from the depositing wallet
type TxSender interface {
	SendTransaction(ctx context.Context, chainID uint64, call evm.Call) (common.Hash, error)
}

// MinedFunc waits for hash on chainID and fails when it reverted. A nil MinedFunc
// returns as soon as the transaction is broadcast.
type MinedFunc func(ctx context.Context, chainID uint64, hash common.Hash, timeout time.Duration) error

// EVMDepositor calls deposit(requestHash, index) on the source chain's vault,
// attaching the native value of the source
type EVMDepositor struct {
	registry types.Registry
	sender   TxSender
	mined    MinedFunc
	timeout  time.Duration
	log      logrus.FieldLogger
}

// NewEVMDepositor creates a depositor that signs with sender
func NewEVMDepositor(registry types.Registry, sender TxSender, mined MinedFunc, log logrus.FieldLogger) *EVMDepositor {
	return &EVMDepositor{
		registry: registry,
		sender:   sender,
		mined:    mined,
		timeout:  2 * time.Minute,
		log:      log.WithField("component", "deposit"),
	}
}

// Deposit implements rff.Depositor
func (e *EVMDepositor) Deposit(ctx context.Context, h *rff.Handle, index int) (string, error) {
	src, err := source(h, index)
	if err != nil {
		return "", err
	}
	if src.Universe != types.UniverseEVM {
		return "", fmt.Errorf("evm depositor cannot handle %s source", src.Universe)
	}
	chain, err := e.registry.Chain(src.ChainID)
	if err != nil {
		return "", err
	}
	if chain.Vault.IsZero() {
		return "", fmt.Errorf("no vault configured for chain %d", src.ChainID)
	}

	data, err := evm.PackDeposit(h.Hash, index)
	if err != nil {
		return "", fmt.Errorf("failed to pack deposit data: %w", err)
	}
	call := evm.Call{To: chain.Vault.EVM(), Data: data}
	if src.Token.Native {
		call.Value = h.Request.Sources[index].Value
	}

	hash, err := e.sender.SendTransaction(ctx, src.ChainID, call)
	if err != nil {
		return "", fmt.Errorf("failed to send deposit: %w", err)
	}
	e.log.WithFields(logrus.Fields{
		"chain_id": src.ChainID,
		"tx_hash":  hash.Hex(),
		"amount":   src.Amount.String(),
		"token":    src.Token.Symbol,
	}).Debug("Deposit broadcast")

	if e.mined != nil {
		if err := e.mined(ctx, src.ChainID, hash, e.timeout); err != nil {
			return hash.Hex(), err
		}
	}
	return hash.Hex(), nil
}
