package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"vramancer/internal/codec"
	"vramancer/internal/journal"
	"vramancer/internal/router"
	"vramancer/internal/storage"
	"vramancer/internal/transport"
	"vramancer/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultPressurePct     = 85
	defaultHalfLife        = 60 * time.Second
	defaultPromoteScore    = 8.0
	defaultTransferTimeout = 30 * time.Second
)

// Mover issues block data movement; implemented by transport.Factory.
type Mover interface {
	Transfer(ctx context.Context, desc *transport.Descriptor, payload []byte, deliver func([]byte) error) *transport.Pending
}

// Loader supplies raw block payload on first load; implemented by the
// compute engine collaborator.
type Loader interface {
	LoadBlock(ctx context.Context, id string, size int64) ([]byte, error)
}

// ZeroLoader fills new blocks with zeroes, the default when no compute
// engine is attached.
type ZeroLoader struct{}

func (ZeroLoader) LoadBlock(ctx context.Context, id string, size int64) ([]byte, error) {
	return make([]byte, size), nil
}

// Config encapsulates all tunables for Manager construction.
type Config struct {
	NodeID string
	// Eviction starts when reserved/capacity exceeds this percentage.
	PressurePct float64
	// Hotness decay half-life.
	HalfLife time.Duration
	// Score above which a block is scheduled for promotion.
	PromoteScore float64
	// Deadline applied to each migration transfer.
	TransferTimeout time.Duration
}

// Manager owns the tier model, block metadata, hotness scoring, and the
// promotion/demotion/eviction algorithm. It is safe for concurrent use by
// multiple computation threads plus one background maintenance goroutine.
type Manager struct {
	cfg   Config
	tiers *TierSet
	rt    *router.Router
	mover Mover
	cdc   *codec.Layer
	load  Loader
	jrnl  *journal.Journal
	log   zerolog.Logger

	// mu guards the blocks map only; per-block state is under block.mu.
	mu     sync.RWMutex
	blocks map[string]*block

	evictions  atomic.Int64
	promotions atomic.Int64
}

// New constructs a Manager. rt may be nil only in tests that never allocate.
func New(cfg Config, tiers *TierSet, rt *router.Router, mover Mover, cdc *codec.Layer, load Loader, jrnl *journal.Journal, log zerolog.Logger) *Manager {
	if cfg.PressurePct <= 0 {
		cfg.PressurePct = defaultPressurePct
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = defaultHalfLife
	}
	if cfg.PromoteScore <= 0 {
		cfg.PromoteScore = defaultPromoteScore
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = defaultTransferTimeout
	}
	if load == nil {
		load = ZeroLoader{}
	}
	if cdc == nil {
		cdc = codec.NewLayer(50 * time.Millisecond)
	}
	return &Manager{
		cfg:    cfg,
		tiers:  tiers,
		rt:     rt,
		mover:  mover,
		cdc:    cdc,
		load:   load,
		jrnl:   jrnl,
		log:    log,
		blocks: make(map[string]*block),
	}
}

// SetRouter wires the router after construction; the router needs the tier
// set (owned here) as its capacity view, so the two are built in two steps.
func (m *Manager) SetRouter(rt *router.Router) { m.rt = rt }

// Tiers exposes the capacity view for router construction.
func (m *Manager) Tiers() *TierSet { return m.tiers }

// Ready reports whether the manager can serve allocations.
func (m *Manager) Ready() bool { return m.tiers != nil && m.tiers.TotalCapacity() > 0 }

// Acquire returns the block's current physical location, allocating and
// routing it if absent. Synchronous from the caller's viewpoint: it blocks
// until the block's data is in place, while acquires of other blocks proceed
// concurrently. Fails with OutOfCapacity only after one eviction pass left
// every tier exhausted.
func (m *Manager) Acquire(ctx context.Context, id string, size int64, prio types.Priority) (types.Location, error) {
	if id == "" {
		return types.Location{}, ErrBlockNotFound("(unspecified)")
	}
	b := m.getOrCreate(id, size, prio)

	b.mu.Lock()
	for b.state == StatePendingMigration {
		// Old copy stays valid during migration; wait for the flip (or the
		// rollback) and re-read the authoritative location.
		done := b.migDone
		b.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return types.Location{}, ctx.Err()
		}
		b.mu.Lock()
	}
	defer b.mu.Unlock()

	if b.corrupt {
		return types.Location{}, ErrCorruptBlock(id)
	}

	switch b.state {
	case StateResident, StateReleased, StateEvictable:
		// Re-acquiring a released block revives it.
		b.state = StateResident
		b.touch(time.Now(), m.cfg.HalfLife)
		return b.loc, nil
	case StateFreed:
		// Freed metadata lingers until swept; treat as a fresh allocation.
		b.state = StateUnbound
	}

	if err := m.place(ctx, b, nil); err != nil {
		return types.Location{}, err
	}
	b.touch(time.Now(), m.cfg.HalfLife)
	return b.loc, nil
}

// getOrCreate inserts an unbound placeholder so concurrent acquires of the
// same id serialize on the block mutex.
func (m *Manager) getOrCreate(id string, size int64, prio types.Priority) *block {
	m.mu.RLock()
	b, ok := m.blocks[id]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.blocks[id]; ok {
		return b
	}
	b = &block{
		id:       id,
		size:     size,
		priority: prio,
		affinity: types.TierGPUPrimary,
		state:    StateUnbound,
	}
	m.blocks[id] = b
	return b
}

// place routes an unbound block, reserves capacity, loads the payload, and
// commits it. A non-nil payload (remote ingest) is stored as-is; nil means
// load through the configured Loader. Caller holds b.mu.
func (m *Manager) place(ctx context.Context, b *block, payload []byte) error {
	dec, ts, err := m.routeWithReservation(ctx, b)
	if err != nil {
		return err
	}

	if payload == nil {
		payload, err = m.load.LoadBlock(ctx, b.id, b.size)
		if err != nil {
			if ts != nil {
				ts.release(b.size)
			}
			return err
		}
	}

	if dec.Remote {
		if err := m.placeRemote(ctx, b, dec, payload); err != nil {
			return err
		}
	} else {
		handle, err := ts.store.Alloc(b.size)
		if err != nil {
			ts.release(b.size)
			return ErrOutOfCapacity(b.id)
		}
		if err := ts.store.Write(handle, payload); err != nil {
			ts.store.Free(handle)
			ts.release(b.size)
			return err
		}
		b.handle = handle
		b.remote = false
		b.loc = types.Location{
			NodeID: m.cfg.NodeID,
			Tier:   dec.Tier,
			Device: dec.Device,
			Offset: handle.Offset,
			Path:   handle.Path,
		}
	}
	b.state = StateResident
	b.compressed = false
	b.codec = codec.CodecRaw
	b.storedSize = int64(len(payload))
	m.updateTierMetrics()
	return nil
}

// routeWithReservation picks a destination and reserves its capacity
// atomically, retrying once after a single eviction cycle. Route itself has
// no side effects, so the reservation here is what prevents two callers
// racing onto the same freed space.
func (m *Manager) routeWithReservation(ctx context.Context, b *block) (router.Decision, *tierState, error) {
	evicted := false
	for attempt := 0; attempt < 3; attempt++ {
		dec, err := m.rt.Route(router.Request{
			BlockID:  b.id,
			Size:     b.size,
			Priority: b.priority,
			Affinity: b.affinity,
			Hotness:  b.score(time.Now(), m.cfg.HalfLife),
		})
		if err != nil {
			if !router.IsNoCapacity(err) {
				return router.Decision{}, nil, err
			}
			if evicted {
				return router.Decision{}, nil, ErrOutOfCapacity(b.id)
			}
			// One eviction pass on the pressured tiers, then retry once.
			// The cycle stops at the background threshold, so the most
			// pressured tier gets squeezed further until this block fits.
			m.RunEvictionCycle(ctx)
			m.relieveForBlock(ctx, b.size)
			evicted = true
			continue
		}
		if dec.Remote {
			// Remote capacity is owned by the peer; no local reservation.
			return dec, nil, nil
		}
		ts := m.tiers.get(dec.Tier)
		if ts.reserve(b.size) {
			return dec, ts, nil
		}
		// Lost the race for the free space; re-route.
	}
	return router.Decision{}, nil, ErrOutOfCapacity(b.id)
}

// placeRemote pushes the payload to a peer node. The peer's ingest path
// stores it; locally the block is tracked as remote.
func (m *Manager) placeRemote(ctx context.Context, b *block, dec router.Decision, payload []byte) error {
	desc := transport.NewDescriptor(b.id,
		transport.Endpoint{NodeID: m.cfg.NodeID, Tier: b.affinity},
		transport.Endpoint{NodeID: dec.NodeID, Rack: dec.Rack, Addr: dec.Address, Tier: dec.Tier},
		b.size, time.Now().Add(m.cfg.TransferTimeout))
	p := m.mover.Transfer(ctx, desc, payload, func([]byte) error { return nil })
	if err := p.Wait(ctx); err != nil {
		return err
	}
	b.remote = true
	b.handle = storage.Handle{}
	b.loc = types.Location{NodeID: dec.NodeID, Tier: dec.Tier}
	return nil
}

// Release marks a block as no longer required. It does not free immediately;
// the block becomes eviction-eligible. Calling Release twice has the same
// effect as calling it once.
func (m *Manager) Release(id string) error {
	m.mu.RLock()
	b, ok := m.blocks[id]
	m.mu.RUnlock()
	if !ok {
		return ErrBlockNotFound(id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateResident {
		b.state = StateReleased
	}
	return nil
}

// Touch records an access, updating the weighted hit counter and timestamp.
func (m *Manager) Touch(id string) error {
	m.mu.RLock()
	b, ok := m.blocks[id]
	m.mu.RUnlock()
	if !ok {
		return ErrBlockNotFound(id)
	}
	b.mu.Lock()
	b.touch(time.Now(), m.cfg.HalfLife)
	b.mu.Unlock()
	return nil
}

// Score returns the block's decayed hotness at observation time.
func (m *Manager) Score(id string) (float64, error) {
	m.mu.RLock()
	b, ok := m.blocks[id]
	m.mu.RUnlock()
	if !ok {
		return 0, ErrBlockNotFound(id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.score(time.Now(), m.cfg.HalfLife), nil
}

// BlockBytes returns the block's raw payload, decompressing if needed.
// This is the handle the compute engine consumes between Acquire and Release.
func (m *Manager) BlockBytes(id string) ([]byte, error) {
	m.mu.RLock()
	b, ok := m.blocks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrBlockNotFound(id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remote || b.state == StateFreed || b.state == StateUnbound {
		return nil, ErrBlockNotFound(id)
	}
	return m.readPayloadLocked(b)
}

// readPayloadLocked reads and decodes the authoritative copy. Caller holds b.mu.
func (m *Manager) readPayloadLocked(b *block) ([]byte, error) {
	ts := m.tiers.get(b.loc.Tier)
	raw, err := ts.store.Read(b.handle, b.storedSize)
	if err != nil {
		return nil, err
	}
	out, err := codec.Decompress(raw, b.codec)
	if err != nil {
		b.corrupt = true
		return nil, ErrCorruptBlock(b.id)
	}
	return out, nil
}

// IngestRemote is the sink for the transport server: a peer pushed a block
// here. The payload lands in the fastest local tier with room. A block that
// already has an authoritative copy is left alone; the peer's send is a
// duplicate at that point.
func (m *Manager) IngestRemote(blockID string, payload []byte) error {
	b := m.getOrCreate(blockID, int64(len(payload)), types.PriorityNormal)
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateResident, StateReleased, StateEvictable, StatePendingMigration:
		return nil
	case StateFreed:
		b.state = StateUnbound
	}
	if err := m.place(context.Background(), b, payload); err != nil {
		return err
	}
	b.touch(time.Now(), m.cfg.HalfLife)
	return nil
}

// Status builds the GET /memory projection.
func (m *Manager) Status() types.MemoryStatusResponse {
	resp := types.MemoryStatusResponse{
		NodeID:     m.cfg.NodeID,
		Evictions:  m.evictions.Load(),
		Promotions: m.promotions.Load(),
	}
	for _, t := range types.LocalTiers {
		st := m.tiers.get(t)
		if st == nil || st.capacity == 0 {
			continue
		}
		resp.Tiers = append(resp.Tiers, types.TierStatus{
			Tier:          t.String(),
			CapacityBytes: st.capacity,
			UsedBytes:     st.reserved.Load(),
			FreeBytes:     st.free(),
			Pressure:      st.pressure(),
		})
	}

	m.mu.RLock()
	blocks := make([]*block, 0, len(m.blocks))
	for _, b := range m.blocks {
		blocks = append(blocks, b)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, b := range blocks {
		b.mu.Lock()
		if b.state == StateUnbound || b.state == StateFreed {
			b.mu.Unlock()
			continue
		}
		resp.Blocks = append(resp.Blocks, types.BlockStatus{
			ID:         b.id,
			SizeBytes:  b.size,
			Tier:       b.loc.Tier.String(),
			NodeID:     b.loc.NodeID,
			State:      b.state.String(),
			Score:      b.score(now, m.cfg.HalfLife),
			Priority:   string(b.priority),
			Compressed: b.compressed,
			Codec:      string(b.codec),
			LastAccess: b.lastAccess.Unix(),
		})
		b.mu.Unlock()
	}
	sort.Slice(resp.Blocks, func(i, j int) bool { return resp.Blocks[i].ID < resp.Blocks[j].ID })
	return resp
}
