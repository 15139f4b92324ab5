package plan

import (
	"time"

	"ca-engine/pkg/types"
)

// RecordKind says which engine flow produced a record
type RecordKind string

const (
	KindBridge RecordKind = "bridge"
	KindSwap   RecordKind = "swap"
)

// RecordStatus is the last known state of a journaled request
type RecordStatus string

const (
	StatusSubmitted RecordStatus = "submitted" // Accepted by the settlement layer
	StatusDeposited RecordStatus = "deposited" // Deposits sent, waiting for a solver
	StatusFulfilled RecordStatus = "fulfilled" // Funds delivered
	StatusExpired   RecordStatus = "expired"   // No solver before expiry
	StatusRefunded  RecordStatus = "refunded"  // Sources returned
	StatusFailed    RecordStatus = "failed"    // Aborted locally
)

// Terminal reports whether the status can no longer change
func (s RecordStatus) Terminal() bool {
	switch s {
	case StatusFulfilled, StatusExpired, StatusRefunded, StatusFailed:
		return true
	default:
		return false
	}
}

// StatusFromRequest maps a settlement state onto a journal status
func StatusFromRequest(s types.RequestState) RecordStatus {
	switch s {
	case types.RequestFulfilled:
		return StatusFulfilled
	case types.RequestExpired:
		return StatusExpired
	case types.RequestRefunded:
		return StatusRefunded
	default:
		return ""
	}
}

// SourceEntry is one collected holding of a journaled request
type SourceEntry struct {
	ChainID uint64 `json:"chain_id"`
	Token   string `json:"token"`
	Amount  string `json:"amount"`
	TxHash  string `json:"tx_hash,omitempty"` // Deposit or swap transaction
}

// Record is one journaled request
type Record struct {
	// Identity
	ID          string     `json:"id"`
	Kind        RecordKind `json:"kind"`
	CycleID     string     `json:"cycle_id"`
	RequestID   string     `json:"request_id,omitempty"`
	RequestHash string     `json:"request_hash,omitempty"`
	Created     time.Time  `json:"created"`
	LastUpdated time.Time  `json:"last_updated"`

	// What was asked for
	DestinationChain uint64            `json:"destination_chain"`
	DestinationToken string            `json:"destination_token"`
	Amount           string            `json:"amount"`
	Recipient        string            `json:"recipient"`
	Sources          []SourceEntry     `json:"sources,omitempty"`
	Fees             map[string]string `json:"fees,omitempty"`

	// Swaps only: the ephemeral account and the salt it derives from
	Ephemeral     string `json:"ephemeral,omitempty"`
	EphemeralSalt string `json:"ephemeral_salt,omitempty"`

	// Outcome
	Status        RecordStatus `json:"status"`
	FulfilmentArm string       `json:"fulfilment_arm,omitempty"`
	DestinationTx string       `json:"destination_tx,omitempty"`
	Error         string       `json:"error,omitempty"`
}
