package protocol

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps trade ids to coordinators. Each entry has its own lock, so
// rounds of one trade are serialized while other trades progress.
type Registry struct {
	mu     sync.RWMutex
	trades map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	trade *Trade
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{trades: make(map[string]*entry)}
}

// Add registers a trade.
func (r *Registry) Add(t *Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.trades[t.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrTradeExists, t.ID())
	}
	r.trades[t.ID()] = &entry{trade: t}
	return nil
}

// Create builds and registers a new trade.
func (r *Registry) Create(id string, role Role, params Params, w Wallet, opts ...Option) (*Trade, error) {
	t, err := NewTrade(id, role, params, w, opts...)
	if err != nil {
		return nil, err
	}
	if err := r.Add(t); err != nil {
		return nil, err
	}
	return t, nil
}

// With runs fn with exclusive access to the trade.
func (r *Registry) With(id string, fn func(*Trade) error) error {
	r.mu.RLock()
	e, ok := r.trades[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.trade)
}

// Snapshot returns the public state of one trade.
func (r *Registry) Snapshot(id string) (Snapshot, error) {
	var s Snapshot
	err := r.With(id, func(t *Trade) error {
		s = t.Snapshot()
		return nil
	})
	return s, err
}

// Remove drops a trade. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.trades, id)
	r.mu.Unlock()
}

// IDs returns the registered trade ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.trades))
	for id := range r.trades {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// List returns snapshots of all trades.
func (r *Registry) List() []Snapshot {
	var out []Snapshot
	for _, id := range r.IDs() {
		if s, err := r.Snapshot(id); err == nil {
			out = append(out, s)
		}
	}
	return out
}
