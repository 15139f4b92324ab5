// Package deposit pushes request sources into the settlement vaults for the
// holdings that cannot be pulled through an allowance.
package deposit

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ca-engine/pkg/rff"
	"ca-engine/pkg/types"
)

// Manager keeps one depositor per universe and dispatches to it
type Manager struct {
	mu         sync.RWMutex
	depositors map[types.Universe]rff.Depositor
}

// NewManager creates an empty manager
func NewManager() *Manager {
	return &Manager{depositors: make(map[types.Universe]rff.Depositor)}
}

// Register installs d for universe u, replacing any previous depositor
func (m *Manager) Register(u types.Universe, d rff.Depositor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depositors[u] = d
}

// IsEnabled returns whether universe u has a depositor
func (m *Manager) IsEnabled(u types.Universe) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.depositors[u]
	return ok
}

// Depositors returns a snapshot suitable for rff.NewClient
func (m *Manager) Depositors() map[types.Universe]rff.Depositor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.Universe]rff.Depositor, len(m.depositors))
	for u, d := range m.depositors {
		out[u] = d
	}
	return out
}

// Deposit sends the deposit for source index of h with the depositor of its universe
func (m *Manager) Deposit(ctx context.Context, h *rff.Handle, index int) (string, error) {
	src, err := source(h, index)
	if err != nil {
		return "", err
	}
	m.mu.RLock()
	d, ok := m.depositors[src.Universe]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("deposits are not enabled for %s", src.Universe)
	}
	return d.Deposit(ctx, h, index)
}

// GetSupportedUniverses returns the universes with a depositor, in encoding order
func (m *Manager) GetSupportedUniverses() []types.Universe {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Universe, 0, len(m.depositors))
	for u := range m.depositors {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// source returns the intent source at index together with its encoded value
func source(h *rff.Handle, index int) (types.IntentSource, error) {
	if h == nil || h.Intent == nil || h.Request == nil {
		return types.IntentSource{}, fmt.Errorf("deposit needs a submitted request")
	}
	if index < 0 || index >= len(h.Intent.Sources) || index >= len(h.Request.Sources) {
		return types.IntentSource{}, fmt.Errorf("source index %d out of range", index)
	}
	return h.Intent.Sources[index], nil
}
