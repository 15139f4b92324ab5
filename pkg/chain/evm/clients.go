package evm

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"ca-engine/pkg/allowance"
	"ca-engine/pkg/errs"
	"ca-engine/pkg/types"
)

// Clients maps chain ids to their RPC clients
type Clients struct {
	mu      sync.RWMutex
	byChain map[uint64]*Client
}

func NewClients() *Clients {
	return &Clients{byChain: make(map[uint64]*Client)}
}

// Add registers c, replacing any client of the same chain
func (m *Clients) Add(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byChain[c.ChainID()] = c
}

// Get returns the client of chainID
func (m *Clients) Get(chainID uint64) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byChain[chainID]
	if !ok {
		return nil, errs.ChainNotFound(chainID)
	}
	return c, nil
}

// Reader satisfies allowance.Readers
func (m *Clients) Reader(chainID uint64) (allowance.Reader, error) {
	return m.Get(chainID)
}

// SubscribeFulfilment routes to the destination chain's client
func (m *Clients) SubscribeFulfilment(ctx context.Context, chainID uint64, vaultAddr types.Address, requestHash common.Hash) (<-chan struct{}, error) {
	c, err := m.Get(chainID)
	if err != nil {
		return nil, err
	}
	return c.SubscribeFulfilment(ctx, vaultAddr, requestHash)
}

// Close closes every client
func (m *Clients) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byChain {
		c.Close()
	}
}
