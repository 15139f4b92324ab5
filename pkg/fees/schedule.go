package fees

import (
	"math/big"

	"ca-engine/pkg/types"
)

// Route keys a solver fee by source and destination token
type Route struct {
	Source      types.TokenKey
	Destination types.TokenKey
}

// Schedule is the fee table published by the settlement layer. Collection and
// fulfilment fees are fixed amounts in the token's base units; protocol and
// solver fees are basis points of the borrow.
type Schedule struct {
	ProtocolBP uint64
	Collection map[types.TokenKey]*big.Int
	Fulfilment map[types.TokenKey]*big.Int
	Solver     map[Route]uint64
}

// NewSchedule returns an empty schedule ready to be filled
func NewSchedule(protocolBP uint64) Schedule {
	return Schedule{
		ProtocolBP: protocolBP,
		Collection: make(map[types.TokenKey]*big.Int),
		Fulfilment: make(map[types.TokenKey]*big.Int),
		Solver:     make(map[Route]uint64),
	}
}

func (s Schedule) clone() Schedule {
	out := NewSchedule(s.ProtocolBP)
	for k, v := range s.Collection {
		out.Collection[k] = new(big.Int).Set(v)
	}
	for k, v := range s.Fulfilment {
		out.Fulfilment[k] = new(big.Int).Set(v)
	}
	for k, v := range s.Solver {
		out.Solver[k] = v
	}
	return out
}
