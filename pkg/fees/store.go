// Package fees computes the fee components of an intent from a schedule snapshot.
package fees

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"

	"ca-engine/pkg/types"
)

// Source fetches the current schedule from the settlement layer
type Source interface {
	FeeSchedule(ctx context.Context) (Schedule, error)
}

// Store is an immutable fee snapshot. All lookups are pure; a missing entry costs zero.
type Store struct {
	schedule Schedule
}

// NewStore snapshots s. Later changes to s do not affect the store.
func NewStore(s Schedule) *Store {
	return &Store{schedule: s.clone()}
}

// Load fetches a fresh schedule and snapshots it
func Load(ctx context.Context, src Source) (*Store, error) {
	s, err := src.FeeSchedule(ctx)
	if err != nil {
		return nil, err
	}
	return NewStore(s), nil
}

// ProtocolFee is borrow × protocolBP / 10000
func (s *Store) ProtocolFee(borrow decimal.Decimal) decimal.Decimal {
	return borrow.Mul(basisPoints(s.schedule.ProtocolBP))
}

// CollectionFee is the fixed cost of collecting token on chainID
func (s *Store) CollectionFee(chainID uint64, token types.Address, decimals uint8) decimal.Decimal {
	return fixed(s.schedule.Collection, types.TokenKey{ChainID: chainID, Address: token}, decimals)
}

// FulfilmentFee is the fixed cost of delivering token on chainID
func (s *Store) FulfilmentFee(chainID uint64, token types.Address, decimals uint8) decimal.Decimal {
	return fixed(s.schedule.Fulfilment, types.TokenKey{ChainID: chainID, Address: token}, decimals)
}

// SolverFee is borrow × routeBP / 10000, rounded up to decimals
func (s *Store) SolverFee(srcChain uint64, srcToken types.Address, dstChain uint64, dstToken types.Address, borrow decimal.Decimal, decimals uint8) decimal.Decimal {
	bp, ok := s.schedule.Solver[Route{
		Source:      types.TokenKey{ChainID: srcChain, Address: srcToken},
		Destination: types.TokenKey{ChainID: dstChain, Address: dstToken},
	}]
	if !ok || bp == 0 {
		return decimal.Zero
	}
	return borrow.Mul(basisPoints(bp)).RoundCeil(int32(decimals))
}

// basisPoints is bp / 10000, exact at any token precision
func basisPoints(bp uint64) decimal.Decimal {
	return decimal.New(int64(bp), -4)
}

func fixed(table map[types.TokenKey]*big.Int, key types.TokenKey, decimals uint8) decimal.Decimal {
	v, ok := table[key]
	if !ok {
		return decimal.Zero
	}
	return types.FromBaseUnits(v, decimals)
}
