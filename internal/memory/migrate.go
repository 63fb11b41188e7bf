package memory

import (
	"context"
	"time"

	"vramancer/internal/codec"
	"vramancer/internal/transport"
	"vramancer/pkg/types"
)

// migrate moves a block's data to dst copy-then-flip: the old copy remains
// the authoritative location until the new copy's transfer descriptor
// reports completion. A failure anywhere leaves the old copy untouched.
func (m *Manager) migrate(ctx context.Context, b *block, dst types.Tier) error {
	b.mu.Lock()
	if b.state == StatePendingMigration {
		b.mu.Unlock()
		return ErrMigrationInProgress(b.id)
	}
	if b.state != StateResident && b.state != StateReleased && b.state != StateEvictable {
		b.mu.Unlock()
		return ErrBlockNotFound(b.id)
	}
	if b.remote {
		b.mu.Unlock()
		return ErrMigrationInProgress(b.id)
	}
	src := b.loc.Tier
	if src == dst {
		b.mu.Unlock()
		return nil
	}

	dstTS := m.tiers.get(dst)
	if dstTS == nil || dstTS.capacity == 0 || !dstTS.reserve(b.size) {
		b.mu.Unlock()
		return ErrOutOfCapacity(b.id)
	}

	// Decode the authoritative copy while still exclusive, then re-encode
	// for the destination tier.
	raw, err := m.readPayloadLocked(b)
	if err != nil {
		dstTS.release(b.size)
		b.mu.Unlock()
		return err
	}
	encoded, cdc := m.cdc.Compress(raw, dst)

	prevState := b.state
	b.state = StatePendingMigration
	b.migFrom, b.migTo = src, dst
	b.migDone = make(chan struct{})
	device := b.loc.Device
	b.mu.Unlock()

	// Transfer outside any lock so slow I/O never stalls unrelated blocks.
	cleanupDeferred := false
	commit := func() error {
		handle, err := dstTS.store.Alloc(b.size)
		if err != nil {
			return err
		}
		desc := transport.NewDescriptor(b.id,
			transport.Endpoint{NodeID: m.cfg.NodeID, Tier: src, Device: device},
			transport.Endpoint{NodeID: m.cfg.NodeID, Tier: dst, Device: device},
			b.size, time.Now().Add(m.cfg.TransferTimeout))
		p := m.mover.Transfer(ctx, desc, encoded, func(bs []byte) error {
			return dstTS.store.Write(handle, bs)
		})
		if err := p.Wait(ctx); err != nil {
			if p.Done() {
				// Settled: nothing writes through the handle anymore.
				dstTS.store.Free(handle)
				return err
			}
			// The caller gave up while the copy is still in flight. The
			// handle and the reservation stay held until the transfer
			// settles; a late write must never land in space that has been
			// reused by another block.
			cleanupDeferred = true
			go func() {
				p.Wait(context.Background())
				dstTS.store.Free(handle)
				dstTS.release(b.size)
			}()
			return err
		}

		// Flip: the new copy is acknowledged, retire the old one.
		b.mu.Lock()
		oldTS := m.tiers.get(src)
		oldHandle := b.handle
		b.handle = handle
		b.loc = types.Location{NodeID: m.cfg.NodeID, Tier: dst, Device: device, Offset: handle.Offset, Path: handle.Path}
		b.compressed = cdc != codec.CodecRaw
		b.codec = cdc
		b.storedSize = int64(len(encoded))
		b.state = prevState
		close(b.migDone)
		b.migDone = nil
		b.mu.Unlock()

		oldTS.store.Free(oldHandle)
		oldTS.release(b.size)
		return nil
	}

	if err := commit(); err != nil {
		if !cleanupDeferred {
			dstTS.release(b.size)
		}
		b.mu.Lock()
		b.state = prevState
		close(b.migDone)
		b.migDone = nil
		b.mu.Unlock()
		return err
	}

	if m.jrnl != nil {
		if err := m.jrnl.Append(ctx, b.id, src.String(), dst.String(), time.Now()); err != nil {
			m.log.Warn().Str("block", b.id).Err(err).Msg("journal append failed")
		}
	}
	m.updateTierMetrics()
	return nil
}

// Promote moves a block one tier faster. Shared by the automatic policy and
// the manual override endpoint; both go through the same state machine.
func (m *Manager) Promote(ctx context.Context, id string) error {
	m.mu.RLock()
	b, ok := m.blocks[id]
	m.mu.RUnlock()
	if !ok {
		return ErrBlockNotFound(id)
	}
	b.mu.Lock()
	cur := b.loc.Tier
	b.mu.Unlock()
	dst, ok := cur.Prev()
	if !ok || dst.FasterThan(b.affinity) {
		return nil // already at the fastest tier it qualifies for
	}
	if err := m.migrate(ctx, b, dst); err != nil {
		return err
	}
	m.promotions.Add(1)
	promotionsTotal.Inc()
	return nil
}

// Demote moves a block one tier slower, compressing opportunistically when
// the destination is file-backed.
func (m *Manager) Demote(ctx context.Context, id string) error {
	m.mu.RLock()
	b, ok := m.blocks[id]
	m.mu.RUnlock()
	if !ok {
		return ErrBlockNotFound(id)
	}
	b.mu.Lock()
	cur := b.loc.Tier
	b.mu.Unlock()
	dst, ok := cur.Next()
	if !ok {
		return nil // already at the slowest tier
	}
	if err := m.migrate(ctx, b, dst); err != nil {
		return err
	}
	m.evictions.Add(1)
	evictionsTotal.Inc()
	return nil
}

// PrefetchPromote promotes a block one tier up only when the destination has
// free headroom; it never evicts to make room. Used by the scheduler's
// predictive prefetch.
func (m *Manager) PrefetchPromote(ctx context.Context, id string) error {
	m.mu.RLock()
	b, ok := m.blocks[id]
	m.mu.RUnlock()
	if !ok {
		return ErrBlockNotFound(id)
	}
	b.mu.Lock()
	cur := b.loc.Tier
	size := b.size
	b.mu.Unlock()
	dst, ok := cur.Prev()
	if !ok || dst.FasterThan(b.affinity) {
		return nil
	}
	if m.tiers.FreeBytes(dst) < size {
		return nil // opportunistic only
	}
	if err := m.migrate(ctx, b, dst); err != nil {
		return err
	}
	m.promotions.Add(1)
	promotionsTotal.Inc()
	return nil
}
