package memory

import (
	"context"
	"sort"
	"time"

	"vramancer/pkg/types"
)

// victim is a snapshot of one eviction candidate taken under the tier's
// selection lock.
type victim struct {
	b     *block
	size  int64
	cost  float64
	freed bool // released blocks are freed outright instead of demoted
}

// RunEvictionCycle scans every local tier and relieves the ones over the
// pressure threshold: released blocks are freed, resident blocks demoted in
// eviction-cost order. Victim selection holds the tier-level lock; the data
// transfers run after it is dropped so slow I/O never blocks unrelated
// allocations. One cycle never loops forever: after all eligible candidates
// are processed the tier is left as-is and the caller decides.
func (m *Manager) RunEvictionCycle(ctx context.Context) {
	now := time.Now()
	threshold := m.cfg.PressurePct / 100

	for _, t := range types.LocalTiers {
		ts := m.tiers.get(t)
		if ts == nil || ts.capacity == 0 || ts.pressure() <= threshold {
			continue
		}
		m.relieveTier(ctx, ts, t, now, threshold)
	}

	m.promotionPass(ctx, now)
	m.sweepFreed()
	m.updateTierMetrics()
}

// relieveTier frees or demotes the tier's victims until its pressure drops to
// the threshold or the candidates run out.
func (m *Manager) relieveTier(ctx context.Context, ts *tierState, t types.Tier, now time.Time, threshold float64) {
	victims := m.selectVictims(ts, now)
	for _, v := range victims {
		if ts.pressure() <= threshold {
			break
		}
		m.evictOne(ctx, v, t)
	}
}

// relieveForBlock squeezes the most pressured tier until a block of the given
// size fits there. The routing retry calls it after Route comes up empty: the
// periodic cycle stops at the background threshold, which can still leave
// every tier too full for a large block.
func (m *Manager) relieveForBlock(ctx context.Context, size int64) {
	t, _ := m.rt.MostPressured()
	ts := m.tiers.get(t)
	if ts == nil || ts.capacity < size || ts.free() >= size {
		return
	}
	m.relieveTier(ctx, ts, t, time.Now(), 1-float64(size)/float64(ts.capacity))
	m.updateTierMetrics()
}

// selectVictims ranks the tier's resident blocks by eviction cost,
// descending: coldest, largest, cheapest-to-reload, lowest-priority first.
// Ties break toward larger size (frees more capacity per eviction). Blocks
// busy under their own lock are skipped; they are active anyway.
func (m *Manager) selectVictims(ts *tierState, now time.Time) []victim {
	ts.selMu.Lock()
	defer ts.selMu.Unlock()

	m.mu.RLock()
	blocks := make([]*block, 0, len(m.blocks))
	for _, b := range m.blocks {
		blocks = append(blocks, b)
	}
	m.mu.RUnlock()

	type cand struct {
		b     *block
		score float64
		size  int64
		prio  types.Priority
		freed bool
	}
	var cands []cand
	maxScore := 0.0
	for _, b := range blocks {
		if !b.mu.TryLock() {
			continue
		}
		eligible := !b.remote && b.loc.Tier == ts.tier &&
			(b.state == StateResident || b.state == StateReleased || b.state == StateEvictable)
		if eligible {
			if b.state == StateReleased {
				b.state = StateEvictable
			}
			s := b.score(now, m.cfg.HalfLife)
			if s > maxScore {
				maxScore = s
			}
			cands = append(cands, cand{
				b:     b,
				score: s,
				size:  b.size,
				prio:  b.priority,
				freed: b.state == StateEvictable,
			})
		}
		b.mu.Unlock()
	}

	// reloadCost scales with how slow it would be to bring the block back
	// from the tier it is headed to.
	next, _ := ts.tier.Next()
	reloadCost := next.Latency()

	out := make([]victim, 0, len(cands))
	for _, c := range cands {
		coldness := 1.0
		if maxScore > 0 {
			coldness = 1 - c.score/maxScore
		}
		sizeMB := float64(c.size) / (1 << 20)
		cost := (coldness * sizeMB) / (reloadCost + c.prio.Weight())
		out = append(out, victim{b: c.b, size: c.size, cost: cost, freed: c.freed})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].cost != out[j].cost {
			return out[i].cost > out[j].cost
		}
		return out[i].size > out[j].size
	})
	return out
}

// evictOne frees a released block or demotes a resident one to the nearest
// slower tier with room. A demotion with nowhere to go is skipped; data is
// never dropped to relieve pressure.
func (m *Manager) evictOne(ctx context.Context, v victim, from types.Tier) {
	if v.freed {
		m.freeBlock(v.b)
		m.evictions.Add(1)
		evictionsTotal.Inc()
		return
	}
	dst, ok := from.Next()
	for ok {
		if m.tiers.FreeBytes(dst) >= v.size {
			if err := m.migrate(ctx, v.b, dst); err != nil {
				m.log.Debug().Str("block", v.b.id).Stringer("to", dst).Err(err).Msg("demotion skipped")
				return
			}
			m.evictions.Add(1)
			evictionsTotal.Inc()
			return
		}
		dst, ok = dst.Next()
	}
}

// freeBlock performs the Evictable→Freed transition.
func (m *Manager) freeBlock(b *block) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateEvictable && b.state != StateReleased {
		return
	}
	if !b.remote {
		ts := m.tiers.get(b.loc.Tier)
		ts.store.Free(b.handle)
		ts.release(b.size)
	}
	b.state = StateFreed
}

// sweepFreed drops freed block metadata from the map.
func (m *Manager) sweepFreed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.blocks {
		if !b.mu.TryLock() {
			continue
		}
		if b.state == StateFreed {
			delete(m.blocks, id)
		}
		b.mu.Unlock()
	}
}

// promotionPass moves hot blocks up one tier when their score clears the
// promotion threshold and the faster tier has headroom.
func (m *Manager) promotionPass(ctx context.Context, now time.Time) {
	m.mu.RLock()
	blocks := make([]*block, 0, len(m.blocks))
	for _, b := range m.blocks {
		blocks = append(blocks, b)
	}
	m.mu.RUnlock()

	for _, b := range blocks {
		if !b.mu.TryLock() {
			continue
		}
		hot := b.state == StateResident && !b.remote &&
			b.score(now, m.cfg.HalfLife) >= m.cfg.PromoteScore
		cur := b.loc.Tier
		size := b.size
		affinity := b.affinity
		b.mu.Unlock()
		if !hot {
			continue
		}
		dst, ok := cur.Prev()
		if !ok || dst.FasterThan(affinity) {
			continue
		}
		if m.tiers.FreeBytes(dst) < size {
			continue
		}
		if err := m.migrate(ctx, b, dst); err == nil {
			m.promotions.Add(1)
			promotionsTotal.Inc()
		}
	}
}

// MaintenanceLoop runs periodic hotness rescoring and eviction until ctx is
// done. Intended for one background goroutine.
func (m *Manager) MaintenanceLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.RunEvictionCycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}
