package memory

import (
	"sync"
	"sync/atomic"

	"vramancer/internal/storage"
	"vramancer/pkg/types"
)

// tierState tracks one tier's capacity accounting. Reservations are taken
// before any data moves and released only on confirmed completion or
// definitive failure, so freed-but-not-yet-physically-available space is
// never double-booked.
type tierState struct {
	tier     types.Tier
	store    storage.Store
	capacity int64
	reserved atomic.Int64
	// selMu serializes victim selection during an eviction cycle. Data
	// transfer happens outside it.
	selMu sync.Mutex
}

func (t *tierState) reserve(n int64) bool {
	for {
		cur := t.reserved.Load()
		if cur+n > t.capacity {
			return false
		}
		if t.reserved.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

func (t *tierState) release(n int64) {
	if t.reserved.Add(-n) < 0 {
		t.reserved.Store(0)
	}
}

func (t *tierState) free() int64 { return t.capacity - t.reserved.Load() }

func (t *tierState) pressure() float64 {
	if t.capacity == 0 {
		return 0
	}
	return float64(t.reserved.Load()) / float64(t.capacity)
}

// TierSet owns the local tier states. It implements router.CapacityView.
type TierSet struct {
	tiers map[types.Tier]*tierState
}

// NewTierSet wires physical stores into tier accounting. Tiers without a
// store get zero capacity and are skipped by routing.
func NewTierSet(stores map[types.Tier]storage.Store) *TierSet {
	ts := &TierSet{tiers: make(map[types.Tier]*tierState, len(types.LocalTiers))}
	for _, t := range types.LocalTiers {
		st := &tierState{tier: t}
		if s, ok := stores[t]; ok && s != nil {
			st.store = s
			st.capacity = s.Capacity()
		}
		ts.tiers[t] = st
	}
	return ts
}

func (s *TierSet) get(t types.Tier) *tierState { return s.tiers[t] }

// FreeBytes returns unreserved capacity for a tier.
func (s *TierSet) FreeBytes(t types.Tier) int64 {
	if st, ok := s.tiers[t]; ok {
		return st.free()
	}
	return 0
}

// CapacityBytes returns total capacity for a tier.
func (s *TierSet) CapacityBytes(t types.Tier) int64 {
	if st, ok := s.tiers[t]; ok {
		return st.capacity
	}
	return 0
}

// TotalCapacity sums all local tier capacities.
func (s *TierSet) TotalCapacity() int64 {
	var sum int64
	for _, st := range s.tiers {
		sum += st.capacity
	}
	return sum
}

// Close releases all backing stores.
func (s *TierSet) Close() error {
	var firstErr error
	for _, st := range s.tiers {
		if st.store == nil {
			continue
		}
		if err := st.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
