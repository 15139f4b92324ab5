package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"ca-engine/pkg/rff"
	"ca-engine/pkg/types"
)

// Journal provides high-level operations on journaled requests
type Journal struct {
	storage *Storage
	now     func() time.Time
}

// NewJournal opens the journal at storagePath, or the default file in $HOME
func NewJournal(storagePath string) (*Journal, error) {
	storage, err := NewStorage(storagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	return &Journal{
		storage: storage,
		now:     time.Now,
	}, nil
}

// RecordSubmitted journals a request the settlement layer accepted
func (j *Journal) RecordSubmitted(kind RecordKind, h *rff.Handle) (*Record, error) {
	if h == nil || h.Intent == nil {
		return nil, fmt.Errorf("cannot journal a request without an intent")
	}
	intent := h.Intent
	dst := intent.Destination
	now := j.now()

	r := &Record{
		ID:               uuid.New().String(),
		Kind:             kind,
		CycleID:          intent.CycleID,
		RequestID:        h.ID,
		RequestHash:      h.Hash.Hex(),
		Created:          now,
		LastUpdated:      now,
		DestinationChain: dst.ChainID,
		DestinationToken: dst.Token.Symbol,
		Amount:           dst.Amount.String(),
		Recipient:        dst.Recipient.Format(dst.Universe),
		Fees:             intent.Fees.Strings(),
		Status:           StatusSubmitted,
	}
	for _, s := range intent.Sources {
		r.Sources = append(r.Sources, SourceEntry{
			ChainID: s.ChainID,
			Token:   s.Token.Symbol,
			Amount:  s.Amount.String(),
		})
	}

	if err := j.storage.Create(r); err != nil {
		return nil, err
	}
	return r, nil
}

// SwapDetails is what a swap record keeps before any funds move
type SwapDetails struct {
	CycleID       string
	Destination   types.Token
	Amount        string
	Recipient     types.Address
	Ephemeral     types.Address
	EphemeralSalt string
	Sources       []SourceEntry
}

// RecordSwap journals a swap under its own id. A bridged swap also gets the
// bridge record of its settlement request, sharing the cycle id.
func (j *Journal) RecordSwap(d SwapDetails) (*Record, error) {
	now := j.now()
	r := &Record{
		ID:               uuid.New().String(),
		Kind:             KindSwap,
		CycleID:          d.CycleID,
		Created:          now,
		LastUpdated:      now,
		DestinationChain: d.Destination.ChainID,
		DestinationToken: d.Destination.Symbol,
		Amount:           d.Amount,
		Recipient:        d.Recipient.Format(d.Destination.Universe),
		Sources:          append([]SourceEntry(nil), d.Sources...),
		Ephemeral:        d.Ephemeral.Format(d.Destination.Universe),
		EphemeralSalt:    d.EphemeralSalt,
		Status:           StatusSubmitted,
	}
	if err := j.storage.Create(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (j *Journal) update(id string, fn func(r *Record)) error {
	r, err := j.storage.Get(id)
	if err != nil {
		return err
	}
	updated := *r
	fn(&updated)
	updated.LastUpdated = j.now()
	return j.storage.Update(&updated)
}

// MarkDeposited records that every required deposit went out
func (j *Journal) MarkDeposited(id string) error {
	return j.update(id, func(r *Record) {
		if !r.Status.Terminal() {
			r.Status = StatusDeposited
		}
	})
}

// MarkSourceTx attaches the transaction that funded the source on chainID
func (j *Journal) MarkSourceTx(id string, chainID uint64, txHash string) error {
	return j.update(id, func(r *Record) {
		sources := make([]SourceEntry, len(r.Sources))
		copy(sources, r.Sources)
		for i := range sources {
			if sources[i].ChainID == chainID {
				sources[i].TxHash = txHash
			}
		}
		r.Sources = sources
	})
}

// MarkFulfilled records a completed request and which arm observed it
func (j *Journal) MarkFulfilled(id, arm, destinationTx string) error {
	return j.update(id, func(r *Record) {
		r.Status = StatusFulfilled
		r.FulfilmentArm = arm
		if destinationTx != "" {
			r.DestinationTx = destinationTx
		}
	})
}

// MarkFailed records a local failure
func (j *Journal) MarkFailed(id string, cause error) error {
	return j.update(id, func(r *Record) {
		r.Status = StatusFailed
		if cause != nil {
			r.Error = cause.Error()
		}
	})
}

// Sync applies a settlement status to the record and returns the result
func (j *Journal) Sync(id string, st types.RequestStatus) (*Record, error) {
	err := j.update(id, func(r *Record) {
		if s := StatusFromRequest(st.State); s != "" {
			r.Status = s
		}
		if st.TxHash != "" {
			r.DestinationTx = st.TxHash
		}
	})
	if err != nil {
		return nil, err
	}
	return j.storage.Get(id)
}

// Get returns a record by journal id or request id
func (j *Journal) Get(id string) (*Record, error) {
	return j.storage.Get(id)
}

// List returns every record, newest first
func (j *Journal) List() []*Record {
	return j.storage.List()
}

// Pending returns records that have not reached a terminal status
func (j *Journal) Pending() []*Record {
	var out []*Record
	for _, r := range j.storage.List() {
		if !r.Status.Terminal() {
			out = append(out, r)
		}
	}
	return out
}

// Path returns the journal file path
func (j *Journal) Path() string {
	return j.storage.GetFilePath()
}
