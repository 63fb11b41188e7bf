package types

import "fmt"

// Tier is an ordered memory class, fastest first. Remote is a parallel class
// for network-attached memory on a peer node and does not participate in the
// local fast-to-slow ordering.
type Tier int

const (
	TierGPUPrimary Tier = iota
	TierGPUSecondary
	TierHostPinned
	TierHostPageable
	TierLocalFast
	TierColdArchive
	TierRemote
)

// LocalTiers lists the on-node tiers fastest to slowest.
var LocalTiers = []Tier{
	TierGPUPrimary,
	TierGPUSecondary,
	TierHostPinned,
	TierHostPageable,
	TierLocalFast,
	TierColdArchive,
}

var tierNames = map[Tier]string{
	TierGPUPrimary:   "gpu-primary",
	TierGPUSecondary: "gpu-secondary",
	TierHostPinned:   "host-pinned",
	TierHostPageable: "host-pageable",
	TierLocalFast:    "local-fast",
	TierColdArchive:  "cold-archive",
	TierRemote:       "remote",
}

// tierLatency is the nominal relative access latency per class, used as the
// reload-cost factor in eviction ranking.
var tierLatency = map[Tier]float64{
	TierGPUPrimary:   1,
	TierGPUSecondary: 2,
	TierHostPinned:   4,
	TierHostPageable: 8,
	TierLocalFast:    32,
	TierColdArchive:  128,
	TierRemote:       64,
}

func (t Tier) String() string {
	if s, ok := tierNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Latency returns the nominal relative latency of the tier.
func (t Tier) Latency() float64 { return tierLatency[t] }

// FasterThan reports whether t is a strictly faster local class than o.
func (t Tier) FasterThan(o Tier) bool { return t < o && t != TierRemote && o != TierRemote }

// Next returns the next slower local tier and false when t is the slowest.
func (t Tier) Next() (Tier, bool) {
	if t >= TierColdArchive || t == TierRemote {
		return t, false
	}
	return t + 1, true
}

// Prev returns the next faster local tier and false when t is the fastest.
func (t Tier) Prev() (Tier, bool) {
	if t <= TierGPUPrimary || t == TierRemote {
		return t, false
	}
	return t - 1, true
}

// ParseTier resolves a tier name as used on the wire and in config files.
func ParseTier(s string) (Tier, error) {
	for t, name := range tierNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier: %q", s)
}

// MarshalText implements encoding.TextMarshaler so tiers serialize as names
// in JSON/YAML payloads and map keys.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
