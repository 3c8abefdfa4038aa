// Package state holds the shared network state that every agent reads and
// handlers update during a simulation iteration.
package state

import (
	"maps"
	"sync"
	"time"
)

// Network is the shared, mutable view of the simulated network. Plain
// accessors are individually atomic; use Update for read-modify-write.
type Network struct {
	mu        sync.RWMutex
	contracts map[string]map[string]any
	running   map[string]any
	block     uint64
	timestamp time.Time
}

// New returns a Network seeded with the given running state.
func New(initial map[string]any) *Network {
	n := &Network{
		contracts: make(map[string]map[string]any),
		running:   make(map[string]any, len(initial)),
	}
	maps.Copy(n.running, initial)
	return n
}

// ContractState returns a tracked variable of a contract.
func (n *Network) ContractState(contractID, name string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.contracts[contractID][name]
	return v, ok
}

// SetContractState stores a tracked contract variable.
func (n *Network) SetContractState(contractID, name string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	vars := n.contracts[contractID]
	if vars == nil {
		vars = make(map[string]any)
		n.contracts[contractID] = vars
	}
	vars[name] = value
}

// RunningState returns a running-state value.
func (n *Network) RunningState(key string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.running[key]
	return v, ok
}

// UpdateRunningState merges updates into the running state.
func (n *Network) UpdateRunningState(updates map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	maps.Copy(n.running, updates)
}

// RunningSnapshot returns a shallow copy of the running state.
func (n *Network) RunningSnapshot() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return maps.Clone(n.running)
}

// Update runs fn against a copy of the running state and commits the copy
// only when fn returns nil. Concurrent Updates are serialised.
func (n *Network) Update(fn func(running map[string]any) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	draft := maps.Clone(n.running)
	if draft == nil {
		draft = make(map[string]any)
	}
	if err := fn(draft); err != nil {
		return err
	}
	n.running = draft
	return nil
}

// SetHead records the latest observed chain head.
func (n *Network) SetHead(block uint64, ts time.Time) {
	n.mu.Lock()
	n.block, n.timestamp = block, ts
	n.mu.Unlock()
}

// Head returns the latest observed chain head.
func (n *Network) Head() (uint64, time.Time) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.block, n.timestamp
}
