package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"vramancer/internal/registry"
	"vramancer/internal/router"
	"vramancer/internal/storage"
	"vramancer/internal/transport"
	"vramancer/pkg/types"
)

// newTestManager builds a manager over in-process stores sized per tier.
func newTestManager(t *testing.T, caps map[types.Tier]int64, opts ...transport.Option) *Manager {
	t.Helper()
	stores := make(map[types.Tier]storage.Store, len(caps))
	for tier, size := range caps {
		switch tier {
		case types.TierGPUPrimary:
			a, err := storage.NewArena(0, size)
			if err != nil {
				t.Fatalf("arena: %v", err)
			}
			stores[tier] = a
		case types.TierGPUSecondary:
			a, err := storage.NewArena(1, size)
			if err != nil {
				t.Fatalf("arena: %v", err)
			}
			stores[tier] = a
		default:
			stores[tier] = storage.NewHostPool(size)
		}
	}
	tiers := NewTierSet(stores)
	mover := transport.NewFactory(nil, zerolog.Nop(), opts...)
	m := New(Config{NodeID: "test-node"}, tiers, nil, mover, nil, nil, nil, zerolog.Nop())
	m.SetRouter(router.New("test-node", registry.New(), tiers, nil, nil))
	t.Cleanup(func() { tiers.Close() })
	return m
}

func mustAcquire(t *testing.T, m *Manager, id string, size int64, prio types.Priority) types.Location {
	t.Helper()
	loc, err := m.Acquire(context.Background(), id, size, prio)
	if err != nil {
		t.Fatalf("Acquire(%s): %v", id, err)
	}
	return loc
}

func blockTier(t *testing.T, m *Manager, id string) types.Tier {
	t.Helper()
	m.mu.RLock()
	b, ok := m.blocks[id]
	m.mu.RUnlock()
	if !ok {
		t.Fatalf("block %s not tracked", id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loc.Tier
}

// setScore pins a block's hotness so ranking tests are deterministic.
func setScore(t *testing.T, m *Manager, id string, score float64) {
	t.Helper()
	m.mu.RLock()
	b, ok := m.blocks[id]
	m.mu.RUnlock()
	if !ok {
		t.Fatalf("block %s not tracked", id)
	}
	b.mu.Lock()
	b.hits = score
	b.lastAccess = time.Now()
	if score == 0 {
		b.lastAccess = time.Time{}
	}
	b.mu.Unlock()
}

func TestAcquirePlacesOnFastestTier(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{
		types.TierGPUPrimary: 1 << 20,
		types.TierHostPinned: 1 << 20,
	})
	loc := mustAcquire(t, m, "b1", 1024, types.PriorityNormal)
	if loc.Tier != types.TierGPUPrimary {
		t.Fatalf("tier = %v, want gpu-primary", loc.Tier)
	}
	if loc.NodeID != "test-node" {
		t.Fatalf("node = %q", loc.NodeID)
	}
	if free := m.tiers.FreeBytes(types.TierGPUPrimary); free != (1<<20)-1024 {
		t.Fatalf("free after acquire = %d", free)
	}
	payload, err := m.BlockBytes("b1")
	if err != nil || int64(len(payload)) != 1024 {
		t.Fatalf("BlockBytes = %d bytes, %v", len(payload), err)
	}
}

func TestAcquireIsIdempotentWhileResident(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{types.TierGPUPrimary: 1 << 20})
	loc1 := mustAcquire(t, m, "b1", 4096, types.PriorityNormal)
	loc2 := mustAcquire(t, m, "b1", 4096, types.PriorityNormal)
	if loc1 != loc2 {
		t.Fatalf("re-acquire moved the block: %+v vs %+v", loc1, loc2)
	}
	if used := m.tiers.get(types.TierGPUPrimary).reserved.Load(); used != 4096 {
		t.Fatalf("re-acquire double-booked capacity: %d", used)
	}
}

func TestReleaseIsIdempotentAndRevivable(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{types.TierGPUPrimary: 1 << 20})
	mustAcquire(t, m, "b1", 1024, types.PriorityNormal)

	if err := m.Release("b1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := m.Release("b1"); err != nil {
		t.Fatalf("second Release must be a no-op: %v", err)
	}

	// Re-acquiring a released block revives it without reloading.
	loc := mustAcquire(t, m, "b1", 1024, types.PriorityNormal)
	if loc.Tier != types.TierGPUPrimary {
		t.Fatalf("revived tier = %v", loc.Tier)
	}
	if err := m.Release("absent"); !IsBlockNotFound(err) {
		t.Fatalf("Release(absent) = %v, want BlockNotFound", err)
	}
	if err := m.Touch("absent"); !IsBlockNotFound(err) {
		t.Fatalf("Touch(absent) = %v, want BlockNotFound", err)
	}
}

func TestHotnessDecay(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{types.TierGPUPrimary: 1 << 20})
	mustAcquire(t, m, "hot", 64, types.PriorityNormal)
	mustAcquire(t, m, "stale", 64, types.PriorityNormal)

	now := time.Now()
	halfLife := m.cfg.HalfLife

	// "hot": ten accesses inside the last five seconds.
	hot := m.blocks["hot"]
	hot.hits, hot.lastAccess = 0, time.Time{}
	for i := 9; i >= 0; i-- {
		hot.touch(now.Add(-time.Duration(i)*500*time.Millisecond), halfLife)
	}

	// "stale": one access, nearly a full half-life ago.
	stale := m.blocks["stale"]
	stale.hits, stale.lastAccess = 0, time.Time{}
	stale.touch(now.Add(-55*time.Second), halfLife)

	hotScore := hot.score(now, halfLife)
	staleScore := stale.score(now, halfLife)
	if hotScore <= 5*staleScore {
		t.Fatalf("hot %.2f must dominate stale %.2f by more than 5x", hotScore, staleScore)
	}

	// Decay is monotonic: the same block scores lower later.
	if later := stale.score(now.Add(time.Minute), halfLife); later >= staleScore {
		t.Fatalf("score must decay over time: %.3f >= %.3f", later, staleScore)
	}
}

func TestEvictionDemotesColdestFirst(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{
		types.TierGPUPrimary:   1 << 20,
		types.TierGPUSecondary: 4 << 20,
	})
	size := int64(300 << 10)
	mustAcquire(t, m, "hot", size, types.PriorityNormal)
	mustAcquire(t, m, "warm", size, types.PriorityNormal)
	mustAcquire(t, m, "cold", size, types.PriorityNormal)

	setScore(t, m, "hot", 100)
	setScore(t, m, "warm", 50)
	setScore(t, m, "cold", 0)

	// 900 KiB / 1 MiB is above the 85% threshold.
	m.RunEvictionCycle(context.Background())

	if got := blockTier(t, m, "cold"); got != types.TierGPUSecondary {
		t.Fatalf("cold block tier = %v, want demoted to gpu-secondary", got)
	}
	if got := blockTier(t, m, "hot"); got != types.TierGPUPrimary {
		t.Fatalf("hot block must stay, got %v", got)
	}
	if got := blockTier(t, m, "warm"); got != types.TierGPUPrimary {
		t.Fatalf("one demotion relieves the pressure; warm moved to %v", got)
	}
}

func TestEvictionFreesReleasedBlocks(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{types.TierGPUPrimary: 1 << 20})
	mustAcquire(t, m, "b1", 900<<10, types.PriorityNormal)
	if err := m.Release("b1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	m.RunEvictionCycle(context.Background())

	if free := m.tiers.FreeBytes(types.TierGPUPrimary); free != 1<<20 {
		t.Fatalf("free = %d, want full capacity back", free)
	}
	m.mu.RLock()
	_, tracked := m.blocks["b1"]
	m.mu.RUnlock()
	if tracked {
		t.Fatalf("freed block metadata must be swept")
	}
}

func TestEvictionSheltersCriticalBlocks(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{
		types.TierGPUPrimary:   2 << 20,
		types.TierGPUSecondary: 8 << 20,
		types.TierHostPinned:   8 << 20,
	})
	ctx := context.Background()

	// The low block has no history, so placement starts it in host memory;
	// walk it up to the contended tier by manual promotion.
	mustAcquire(t, m, "low", 1<<20, types.PriorityLow)
	if err := m.Promote(ctx, "low"); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if err := m.Promote(ctx, "low"); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if got := blockTier(t, m, "low"); got != types.TierGPUPrimary {
		t.Fatalf("low block tier = %v after promotions", got)
	}

	mustAcquire(t, m, "critical", 1<<20, types.PriorityCritical)
	if got := blockTier(t, m, "critical"); got != types.TierGPUPrimary {
		t.Fatalf("critical block tier = %v", got)
	}

	// Tier is now 100% reserved; under equal coldness the low block pays the
	// lower eviction cost and moves first.
	m.RunEvictionCycle(ctx)

	if got := blockTier(t, m, "critical"); got != types.TierGPUPrimary {
		t.Fatalf("critical block evicted to %v", got)
	}
	if got := blockTier(t, m, "low"); got == types.TierGPUPrimary {
		t.Fatalf("low block must be the one demoted")
	}
}

func TestAcquireSqueezesMostPressuredTier(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{
		types.TierGPUPrimary:   1 << 20,
		types.TierGPUSecondary: 1 << 20,
	})
	ctx := context.Background()
	mustAcquire(t, m, "cold1", 450<<10, types.PriorityNormal)
	mustAcquire(t, m, "cold2", 400<<10, types.PriorityNormal)
	if err := m.Demote(ctx, "cold2"); err != nil {
		t.Fatalf("Demote: %v", err)
	}

	// Both tiers sit below the background pressure threshold, yet neither
	// has room for the incoming block until the most pressured one is
	// squeezed on the routing retry.
	loc := mustAcquire(t, m, "incoming", 700<<10, types.PriorityNormal)
	if loc.Tier != types.TierGPUPrimary {
		t.Fatalf("tier = %v, want gpu-primary after targeted relief", loc.Tier)
	}
	if got := blockTier(t, m, "cold1"); got != types.TierGPUSecondary {
		t.Fatalf("cold1 = %v, want demoted to gpu-secondary", got)
	}
}

func TestAcquireOversizedFailsAfterEviction(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{
		types.TierGPUPrimary: 1 << 20,
		types.TierHostPinned: 1 << 20,
	})
	_, err := m.Acquire(context.Background(), "giant", 64<<20, types.PriorityNormal)
	if !IsOutOfCapacity(err) {
		t.Fatalf("expected OutOfCapacity, got %v", err)
	}
}

// failBackend injects transfer failures into the migration path.
type failBackend struct{ kind transport.Kind }

func (f failBackend) Kind() transport.Kind { return f.kind }
func (f failBackend) Send(ctx context.Context, desc *transport.Descriptor, payload []byte, deliver func([]byte) error) error {
	return errors.New("injected transfer failure")
}

func TestFailedMigrationKeepsOldCopy(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{
		types.TierGPUPrimary:   1 << 20,
		types.TierGPUSecondary: 1 << 20,
	}, transport.WithBackend(transport.KindAlias, failBackend{kind: transport.KindAlias}))

	mustAcquire(t, m, "b1", 4096, types.PriorityNormal)
	if err := m.Demote(context.Background(), "b1"); err == nil {
		t.Fatalf("expected demotion to fail")
	}

	// The old copy stays authoritative and readable.
	if got := blockTier(t, m, "b1"); got != types.TierGPUPrimary {
		t.Fatalf("failed migration moved the block to %v", got)
	}
	payload, err := m.BlockBytes("b1")
	if err != nil || len(payload) != 4096 {
		t.Fatalf("BlockBytes after failed migration = %d, %v", len(payload), err)
	}
	// The destination reservation is rolled back, not leaked.
	if free := m.tiers.FreeBytes(types.TierGPUSecondary); free != 1<<20 {
		t.Fatalf("gpu-secondary free = %d, reservation leaked", free)
	}
}

func TestMigrationMovesExactlyOneAuthoritativeCopy(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{
		types.TierGPUPrimary:   1 << 20,
		types.TierGPUSecondary: 1 << 20,
	})
	mustAcquire(t, m, "b1", 4096, types.PriorityNormal)

	if err := m.Demote(context.Background(), "b1"); err != nil {
		t.Fatalf("Demote: %v", err)
	}
	if got := blockTier(t, m, "b1"); got != types.TierGPUSecondary {
		t.Fatalf("tier after demote = %v", got)
	}
	if free := m.tiers.FreeBytes(types.TierGPUPrimary); free != 1<<20 {
		t.Fatalf("source tier still holds %d bytes", (1<<20)-free)
	}
	if free := m.tiers.FreeBytes(types.TierGPUSecondary); free != (1<<20)-4096 {
		t.Fatalf("destination free = %d", free)
	}

	if err := m.Promote(context.Background(), "b1"); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if got := blockTier(t, m, "b1"); got != types.TierGPUPrimary {
		t.Fatalf("tier after promote = %v", got)
	}
}

func TestDemoteToFileTierCompresses(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{
		types.TierGPUPrimary:   1 << 20,
		types.TierGPUSecondary: 1 << 20,
		types.TierHostPinned:   1 << 20,
		types.TierHostPageable: 1 << 20,
		types.TierLocalFast:    1 << 20,
	})
	ctx := context.Background()
	mustAcquire(t, m, "b1", 64<<10, types.PriorityNormal)

	for blockTier(t, m, "b1") != types.TierLocalFast {
		if err := m.Demote(ctx, "b1"); err != nil {
			t.Fatalf("Demote: %v", err)
		}
	}

	b := m.blocks["b1"]
	b.mu.Lock()
	compressed, storedSize := b.compressed, b.storedSize
	b.mu.Unlock()
	if !compressed {
		t.Fatalf("zero-filled payload must compress on a file-backed tier")
	}
	if storedSize >= 64<<10 {
		t.Fatalf("stored size %d not smaller than payload", storedSize)
	}

	payload, err := m.BlockBytes("b1")
	if err != nil {
		t.Fatalf("BlockBytes: %v", err)
	}
	if int64(len(payload)) != 64<<10 || !bytes.Equal(payload, make([]byte, 64<<10)) {
		t.Fatalf("decompressed payload mismatch, %d bytes", len(payload))
	}
}

// blockingBackend parks transfers until released, for in-flight migration tests.
type blockingBackend struct {
	kind    transport.Kind
	started chan struct{}
	release chan struct{}
}

func (b *blockingBackend) Kind() transport.Kind { return b.kind }
func (b *blockingBackend) Send(ctx context.Context, desc *transport.Descriptor, payload []byte, deliver func([]byte) error) error {
	close(b.started)
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return deliver(payload)
}

func TestSecondMigrationRejectedWhileInFlight(t *testing.T) {
	bb := &blockingBackend{kind: transport.KindAlias, started: make(chan struct{}), release: make(chan struct{})}
	m := newTestManager(t, map[types.Tier]int64{
		types.TierGPUPrimary:   1 << 20,
		types.TierGPUSecondary: 1 << 20,
	}, transport.WithBackend(transport.KindAlias, bb))
	ctx := context.Background()
	mustAcquire(t, m, "b1", 4096, types.PriorityNormal)

	demoteDone := make(chan error, 1)
	go func() { demoteDone <- m.Demote(ctx, "b1") }()
	<-bb.started

	if err := m.Demote(ctx, "b1"); !IsMigrationInProgress(err) {
		t.Fatalf("concurrent Demote = %v, want MigrationInProgress", err)
	}

	// An Acquire issued mid-migration waits for the flip and sees the new
	// location, never a torn intermediate state.
	acquired := make(chan types.Location, 1)
	go func() {
		loc, err := m.Acquire(ctx, "b1", 4096, types.PriorityNormal)
		if err != nil {
			t.Errorf("Acquire during migration: %v", err)
		}
		acquired <- loc
	}()

	close(bb.release)
	if err := <-demoteDone; err != nil {
		t.Fatalf("Demote: %v", err)
	}
	select {
	case loc := <-acquired:
		if loc.Tier != types.TierGPUSecondary {
			t.Fatalf("waiter saw tier %v, want the post-flip location", loc.Tier)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("acquire never observed migration completion")
	}
}

// lateBackend ignores cancellation: the write lands whenever it is released,
// long after the caller may have given up.
type lateBackend struct {
	kind    transport.Kind
	started chan struct{}
	release chan struct{}
}

func (b *lateBackend) Kind() transport.Kind { return b.kind }
func (b *lateBackend) Send(ctx context.Context, desc *transport.Descriptor, payload []byte, deliver func([]byte) error) error {
	close(b.started)
	<-b.release
	return deliver(payload)
}

func TestCancelledMigrationHoldsDestinationUntilSettled(t *testing.T) {
	lb := &lateBackend{kind: transport.KindAlias, started: make(chan struct{}), release: make(chan struct{})}
	m := newTestManager(t, map[types.Tier]int64{
		types.TierGPUPrimary:   8 << 10,
		types.TierGPUSecondary: 8 << 10,
	}, transport.WithBackend(transport.KindAlias, lb))

	want := bytes.Repeat([]byte{0xAB}, 8<<10)
	if err := m.IngestRemote("b1", want); err != nil {
		t.Fatalf("IngestRemote: %v", err)
	}
	if got := blockTier(t, m, "b1"); got != types.TierGPUPrimary {
		t.Fatalf("setup: b1 on %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	demoteDone := make(chan error, 1)
	go func() { demoteDone <- m.Demote(ctx, "b1") }()
	<-lb.started
	cancel()
	if err := <-demoteDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("Demote = %v, want context.Canceled", err)
	}

	// The old copy stays authoritative, and the abandoned copy keeps its
	// destination space until the write actually finishes: handing that
	// space to another block would let the late write clobber it.
	if got := blockTier(t, m, "b1"); got != types.TierGPUPrimary {
		t.Fatalf("cancelled demotion moved the block to %v", got)
	}
	if free := m.tiers.FreeBytes(types.TierGPUSecondary); free != 0 {
		t.Fatalf("destination released mid-flight: free = %d", free)
	}
	if _, err := m.Acquire(context.Background(), "b2", 8<<10, types.PriorityNormal); !IsOutOfCapacity(err) {
		t.Fatalf("Acquire into held space = %v, want OutOfCapacity", err)
	}

	close(lb.release)
	deadline := time.After(5 * time.Second)
	for m.tiers.FreeBytes(types.TierGPUSecondary) != 8<<10 {
		select {
		case <-deadline:
			t.Fatalf("destination not reclaimed after the transfer settled")
		case <-time.After(10 * time.Millisecond):
		}
	}

	loc := mustAcquire(t, m, "b2", 8<<10, types.PriorityNormal)
	if loc.Tier != types.TierGPUSecondary {
		t.Fatalf("b2 tier = %v", loc.Tier)
	}
	got, err := m.BlockBytes("b2")
	if err != nil {
		t.Fatalf("BlockBytes(b2): %v", err)
	}
	if !bytes.Equal(got, make([]byte, 8<<10)) {
		t.Fatalf("b2 clobbered by the abandoned transfer")
	}
	if got, err := m.BlockBytes("b1"); err != nil || !bytes.Equal(got, want) {
		t.Fatalf("b1 payload damaged after cancelled demotion: %v", err)
	}
}

func TestPrefetchPromoteNeverEvicts(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{
		types.TierGPUPrimary:   8 << 10,
		types.TierGPUSecondary: 1 << 20,
	})
	ctx := context.Background()
	mustAcquire(t, m, "pinned", 8<<10, types.PriorityNormal) // fills gpu-primary
	mustAcquire(t, m, "next", 8<<10, types.PriorityNormal)   // lands on gpu-secondary

	if err := m.PrefetchPromote(ctx, "next"); err != nil {
		t.Fatalf("PrefetchPromote: %v", err)
	}
	if got := blockTier(t, m, "next"); got != types.TierGPUSecondary {
		t.Fatalf("prefetch evicted to make room: block moved to %v", got)
	}
	if got := blockTier(t, m, "pinned"); got != types.TierGPUPrimary {
		t.Fatalf("resident block displaced to %v", got)
	}
}

func TestIngestRemoteStoresPeerPayload(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{types.TierGPUPrimary: 1 << 20})
	want := bytes.Repeat([]byte{0x5A}, 2048)
	if err := m.IngestRemote("pushed", want); err != nil {
		t.Fatalf("IngestRemote: %v", err)
	}
	got, err := m.BlockBytes("pushed")
	if err != nil {
		t.Fatalf("BlockBytes: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ingested payload mismatch")
	}
	// A duplicate push is dropped, not double-stored.
	if err := m.IngestRemote("pushed", want); err != nil {
		t.Fatalf("duplicate IngestRemote: %v", err)
	}
	if used := m.tiers.get(types.TierGPUPrimary).reserved.Load(); used != 2048 {
		t.Fatalf("duplicate ingest double-booked: %d", used)
	}
}

func TestStatusProjection(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{
		types.TierGPUPrimary: 1 << 20,
		types.TierHostPinned: 2 << 20,
	})
	mustAcquire(t, m, "zeta", 1024, types.PriorityNormal)
	mustAcquire(t, m, "alpha", 2048, types.PriorityCritical)

	st := m.Status()
	if st.NodeID != "test-node" {
		t.Fatalf("node = %q", st.NodeID)
	}
	if len(st.Blocks) != 2 || st.Blocks[0].ID != "alpha" || st.Blocks[1].ID != "zeta" {
		t.Fatalf("blocks must be sorted by id: %+v", st.Blocks)
	}
	if st.Blocks[0].Priority != "critical" || st.Blocks[0].State != "resident" {
		t.Fatalf("block status = %+v", st.Blocks[0])
	}

	var gpu *types.TierStatus
	for i := range st.Tiers {
		if st.Tiers[i].Tier == "gpu-primary" {
			gpu = &st.Tiers[i]
		}
	}
	if gpu == nil {
		t.Fatalf("gpu-primary missing from tier status")
	}
	if gpu.UsedBytes != 3072 || gpu.FreeBytes != (1<<20)-3072 {
		t.Fatalf("gpu-primary accounting = %+v", gpu)
	}
}

func TestPromoteAtFastestTierIsNoOp(t *testing.T) {
	m := newTestManager(t, map[types.Tier]int64{types.TierGPUPrimary: 1 << 20})
	mustAcquire(t, m, "b1", 1024, types.PriorityNormal)
	if err := m.Promote(context.Background(), "b1"); err != nil {
		t.Fatalf("Promote at fastest tier: %v", err)
	}
	if got := blockTier(t, m, "b1"); got != types.TierGPUPrimary {
		t.Fatalf("tier = %v", got)
	}
	if err := m.Promote(context.Background(), "absent"); !IsBlockNotFound(err) {
		t.Fatalf("Promote(absent) = %v", err)
	}
}
