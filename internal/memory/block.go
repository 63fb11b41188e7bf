package memory

import (
	"math"
	"sync"
	"time"

	"vramancer/internal/codec"
	"vramancer/internal/storage"
	"vramancer/pkg/types"
)

// BlockState is the lifecycle state of a managed block.
type BlockState int

const (
	StateUnbound BlockState = iota
	StateResident
	StatePendingMigration
	StateReleased
	StateEvictable
	StateFreed
)

func (s BlockState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateResident:
		return "resident"
	case StatePendingMigration:
		return "pending-migration"
	case StateReleased:
		return "released"
	case StateEvictable:
		return "evictable"
	default:
		return "freed"
	}
}

// block is the unit of memory management. All mutations of a single block's
// metadata are serialized under mu; operations on independent blocks run
// concurrently.
type block struct {
	mu sync.Mutex

	id       string
	size     int64
	priority types.Priority
	affinity types.Tier

	state BlockState
	loc   types.Location
	// handle addresses the authoritative copy in the local tier store;
	// zero-valued for remote placements.
	handle storage.Handle
	remote bool

	compressed bool
	codec      codec.Codec
	// storedSize is the byte count actually written (compressed length when
	// compressed); the reservation always covers the full block size.
	storedSize int64

	// Hotness state: exponentially decayed, priority-weighted hit counter.
	hits       float64
	lastAccess time.Time

	corrupt bool
	// migDone is non-nil while a migration is in flight; closed on flip or
	// rollback so waiters re-read the authoritative location.
	migDone chan struct{}
	migFrom types.Tier
	migTo   types.Tier
}

// decayFactor halves the accumulated hit weight every halfLife.
func decayFactor(dt, halfLife time.Duration) float64 {
	if halfLife <= 0 || dt <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * dt.Seconds() / halfLife.Seconds())
}

// touch records an access at now. Accumulated weight decays to now first so
// the counter and timestamp stay consistent.
func (b *block) touch(now time.Time, halfLife time.Duration) {
	if !b.lastAccess.IsZero() {
		b.hits *= decayFactor(now.Sub(b.lastAccess), halfLife)
	}
	b.hits += b.priority.Weight()
	b.lastAccess = now
}

// score is the decayed hotness at observation time now.
func (b *block) score(now time.Time, halfLife time.Duration) float64 {
	if b.lastAccess.IsZero() {
		return 0
	}
	return b.hits * decayFactor(now.Sub(b.lastAccess), halfLife)
}
