package engine

import (
	"context"
	"math/big"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ca-engine/pkg/types"
)

// Holdings finds the balances of one asset across every supported chain
type Holdings interface {
	Holdings(ctx context.Context, symbol string, holders map[types.Universe]types.Address) ([]types.Balance, error)
}

// BalanceReader reads token balances on one chain
type BalanceReader interface {
	BalanceOf(ctx context.Context, token types.Token, holder types.Address) (*big.Int, error)
}

// BalanceReaders resolves the reader of a chain
type BalanceReaders func(chainID uint64) (BalanceReader, error)

// ChainHoldings scans the registry's chains through their RPC readers
type ChainHoldings struct {
	registry types.Registry
	readers  BalanceReaders
	log      logrus.FieldLogger
}

func NewChainHoldings(registry types.Registry, readers BalanceReaders, log logrus.FieldLogger) *ChainHoldings {
	return &ChainHoldings{registry: registry, readers: readers, log: log.WithField("component", "holdings")}
}

// Holdings returns the non-zero balances of symbol held by the holder of each
// chain's universe. Chains without a reader or without the token are skipped.
func (h *ChainHoldings) Holdings(ctx context.Context, symbol string, holders map[types.Universe]types.Address) ([]types.Balance, error) {
	var (
		mu  sync.Mutex
		out []types.Balance
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, chain := range h.registry.Chains() {
		holder, ok := holders[chain.Universe]
		if !ok {
			continue
		}
		token, err := h.registry.Token(chain.ID, symbol)
		if err != nil {
			continue
		}
		reader, err := h.readers(chain.ID)
		if err != nil {
			h.log.WithError(err).WithField("chain_id", chain.ID).Debug("No balance reader, skipping chain")
			continue
		}
		g.Go(func() error {
			raw, err := reader.BalanceOf(gctx, token, holder)
			if err != nil {
				return err
			}
			amount := types.FromBaseUnits(raw, token.Decimals)
			if !amount.IsPositive() {
				return nil
			}
			mu.Lock()
			out = append(out, types.Balance{Token: token, Amount: amount, Holder: holder})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
