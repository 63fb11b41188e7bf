package types

import "testing"

func TestTierOrdering(t *testing.T) {
	if !TierGPUPrimary.FasterThan(TierHostPinned) {
		t.Fatalf("expected gpu-primary faster than host-pinned")
	}
	if TierColdArchive.FasterThan(TierGPUPrimary) {
		t.Fatalf("cold-archive must not be faster than gpu-primary")
	}
	if TierRemote.FasterThan(TierColdArchive) || TierGPUPrimary.FasterThan(TierRemote) {
		t.Fatalf("remote must not participate in the local ordering")
	}
}

func TestTierNextPrev(t *testing.T) {
	next, ok := TierGPUPrimary.Next()
	if !ok || next != TierGPUSecondary {
		t.Fatalf("Next(gpu-primary) = %v, %v", next, ok)
	}
	if _, ok := TierColdArchive.Next(); ok {
		t.Fatalf("cold-archive must be the slowest tier")
	}
	prev, ok := TierHostPinned.Prev()
	if !ok || prev != TierGPUSecondary {
		t.Fatalf("Prev(host-pinned) = %v, %v", prev, ok)
	}
	if _, ok := TierGPUPrimary.Prev(); ok {
		t.Fatalf("gpu-primary must be the fastest tier")
	}
	if _, ok := TierRemote.Next(); ok {
		t.Fatalf("remote has no slower neighbor")
	}
}

func TestParseTierRoundTrip(t *testing.T) {
	for _, tier := range append(LocalTiers, TierRemote) {
		got, err := ParseTier(tier.String())
		if err != nil {
			t.Fatalf("ParseTier(%q): %v", tier.String(), err)
		}
		if got != tier {
			t.Fatalf("ParseTier(%q) = %v, want %v", tier.String(), got, tier)
		}
	}
	if _, err := ParseTier("warp-core"); err == nil {
		t.Fatalf("expected error for unknown tier name")
	}
}

func TestTierLatencyMonotonic(t *testing.T) {
	for i := 1; i < len(LocalTiers); i++ {
		if LocalTiers[i].Latency() <= LocalTiers[i-1].Latency() {
			t.Fatalf("latency must grow down the hierarchy: %v vs %v", LocalTiers[i-1], LocalTiers[i])
		}
	}
}

func TestParsePriority(t *testing.T) {
	if p := ParsePriority("critical"); p != PriorityCritical {
		t.Fatalf("ParsePriority(critical) = %v", p)
	}
	if p := ParsePriority("bogus"); p != PriorityNormal {
		t.Fatalf("unknown priority must clamp to normal, got %v", p)
	}
	if PriorityCritical.Weight() <= PriorityNormal.Weight() || PriorityNormal.Weight() <= PriorityLow.Weight() {
		t.Fatalf("priority weights must be strictly ordered")
	}
}
