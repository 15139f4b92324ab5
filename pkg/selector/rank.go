package selector

import (
	"sort"

	"ca-engine/pkg/types"
)

// Rank orders candidate holdings for selection. Holdings on the destination chain go
// last; the rest are ordered by ascending balance so the smallest pools are drained
// first. Ties fall back to chain id to keep the order deterministic.
func Rank(balances []types.Balance, destChainID uint64) []types.Balance {
	ranked := make([]types.Balance, len(balances))
	copy(ranked, balances)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		aDest, bDest := a.Token.ChainID == destChainID, b.Token.ChainID == destChainID
		if aDest != bDest {
			return bDest
		}
		if c := a.Amount.Cmp(b.Amount); c != 0 {
			return c < 0
		}
		return a.Token.ChainID < b.Token.ChainID
	})
	return ranked
}
