// Package plan holds the per-cycle planning context and the journal of
// submitted requests.
package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ca-engine/pkg/allowance"
	"ca-engine/pkg/fees"
)

// Cycle is the immutable context of one planning pass. Every decision made in
// the pass reads the same fee snapshot and the same frozen allowances.
type Cycle struct {
	ID         string
	Fees       *fees.Store
	Allowances *allowance.Cache
	CreatedAt  time.Time
	Log        logrus.FieldLogger
}

// NewCycle fetches a fee snapshot and opens an empty allowance cache
func NewCycle(ctx context.Context, src fees.Source, readers allowance.Readers, log logrus.FieldLogger) (*Cycle, error) {
	store, err := fees.Load(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee schedule: %w", err)
	}
	id := uuid.New().String()
	log = log.WithField("cycle_id", id)
	return &Cycle{
		ID:         id,
		Fees:       store,
		Allowances: allowance.New(readers, log),
		CreatedAt:  time.Now(),
		Log:        log,
	}, nil
}

// Refresh returns a new cycle with a fresh fee snapshot and allowance cache,
// keeping the cycle id so logs stay correlated
func (c *Cycle) Refresh(ctx context.Context, src fees.Source, readers allowance.Readers) (*Cycle, error) {
	store, err := fees.Load(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("failed to reload fee schedule: %w", err)
	}
	return &Cycle{
		ID:         c.ID,
		Fees:       store,
		Allowances: allowance.New(readers, c.Log),
		CreatedAt:  time.Now(),
		Log:        c.Log,
	}, nil
}
