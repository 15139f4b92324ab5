// Package allowance batches allowance and account-code reads for one planning cycle.
//
// Callers register every key they will need, run Prefetch once, and then read the
// frozen results. Entries are never refreshed; a new cycle builds a new Cache.
package allowance

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ca-engine/pkg/types"
)

// Key identifies one ERC-20 allowance
type Key struct {
	ChainID uint64
	Token   types.Address
	Owner   types.Address
	Spender types.Address
}

// CodeKey identifies the deployed code of one account
type CodeKey struct {
	ChainID uint64
	Account types.Address
}

// Reader performs the on-chain reads for one chain
type Reader interface {
	Allowance(ctx context.Context, token, owner, spender types.Address) (*big.Int, error)
	Code(ctx context.Context, account types.Address) ([]byte, error)
}

// Readers resolves the reader of a chain
type Readers interface {
	Reader(chainID uint64) (Reader, error)
}

// Cache is single-use: request, prefetch, then read
type Cache struct {
	readers Readers
	log     logrus.FieldLogger

	mu         sync.RWMutex
	prefetched bool
	allowances map[Key]*big.Int
	codes      map[CodeKey][]byte
}

// New creates an empty cache
func New(readers Readers, log logrus.FieldLogger) *Cache {
	return &Cache{
		readers:    readers,
		log:        log.WithField("component", "allowance"),
		allowances: make(map[Key]*big.Int),
		codes:      make(map[CodeKey][]byte),
	}
}

// RequestAllowance registers k for the next prefetch
func (c *Cache) RequestAllowance(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.allowances[k]; !ok {
		c.allowances[k] = nil
	}
}

// RequestCode registers k for the next prefetch
func (c *Cache) RequestCode(k CodeKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.codes[k]; !ok {
		c.codes[k] = nil
	}
}

type chainBatch struct {
	allowances []Key
	codes      []CodeKey
}

// Prefetch reads every requested key, one goroutine per chain. It fails as a
// whole if any chain fails. Calling it twice is an error.
func (c *Cache) Prefetch(ctx context.Context) error {
	c.mu.Lock()
	if c.prefetched {
		c.mu.Unlock()
		return fmt.Errorf("allowance cache already prefetched")
	}
	c.prefetched = true
	batches := make(map[uint64]*chainBatch)
	batch := func(chainID uint64) *chainBatch {
		b, ok := batches[chainID]
		if !ok {
			b = &chainBatch{}
			batches[chainID] = b
		}
		return b
	}
	for k := range c.allowances {
		batch(k.ChainID).allowances = append(batch(k.ChainID).allowances, k)
	}
	for k := range c.codes {
		batch(k.ChainID).codes = append(batch(k.ChainID).codes, k)
	}
	c.mu.Unlock()

	chains := make([]uint64, 0, len(batches))
	for id := range batches {
		chains = append(chains, id)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })

	g, gctx := errgroup.WithContext(ctx)
	for _, chainID := range chains {
		b := batches[chainID]
		g.Go(func() error {
			return c.fetchChain(gctx, chainID, b)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("prefetch allowances: %w", err)
	}
	return nil
}

func (c *Cache) fetchChain(ctx context.Context, chainID uint64, b *chainBatch) error {
	reader, err := c.readers.Reader(chainID)
	if err != nil {
		return err
	}
	for _, k := range b.allowances {
		v, err := reader.Allowance(ctx, k.Token, k.Owner, k.Spender)
		if err != nil {
			return fmt.Errorf("chain %d allowance of %s: %w", chainID, k.Token, err)
		}
		c.mu.Lock()
		c.allowances[k] = v
		c.mu.Unlock()
	}
	for _, k := range b.codes {
		code, err := reader.Code(ctx, k.Account)
		if err != nil {
			return fmt.Errorf("chain %d code of %s: %w", chainID, k.Account, err)
		}
		if code == nil {
			code = []byte{}
		}
		c.mu.Lock()
		c.codes[k] = code
		c.mu.Unlock()
	}
	c.log.WithFields(logrus.Fields{
		"chain_id":   chainID,
		"allowances": len(b.allowances),
		"codes":      len(b.codes),
	}).Debug("Prefetched chain state")
	return nil
}

// Allowance returns the prefetched allowance; ok is false if k was never fetched
func (c *Cache) Allowance(k Key) (*big.Int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.allowances[k]
	if !ok || v == nil {
		return nil, false
	}
	return new(big.Int).Set(v), true
}

// Code returns the prefetched account code; empty for an undelegated EOA
func (c *Cache) Code(k CodeKey) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.codes[k]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Sufficient reports whether the cached allowance covers amount. Unknown keys are
// treated as zero.
func (c *Cache) Sufficient(k Key, amount *big.Int) bool {
	v, ok := c.Allowance(k)
	return ok && v.Cmp(amount) >= 0
}
