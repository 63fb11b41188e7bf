package router

import (
	"sort"

	"vramancer/internal/registry"
	"vramancer/pkg/types"
)

// CapacityView exposes live local tier accounting to routing decisions.
// Implemented by the memory manager's tier set.
type CapacityView interface {
	FreeBytes(t types.Tier) int64
	CapacityBytes(t types.Tier) int64
}

// Bias returns a relative throughput multiplier for a device index, produced
// by the placement profiler. Higher is faster.
type Bias func(device int) float64

// Request describes a block that needs a home.
type Request struct {
	BlockID  string
	Size     int64
	Priority types.Priority
	// Affinity is the fastest tier class the block qualifies for.
	Affinity types.Tier
	// Hotness is the predicted score; zero means "no history yet" and the
	// priority-weighted default applies.
	Hotness float64
}

// Decision is where a block should live. Route has no side effects beyond
// it: the caller reserves capacity atomically before moving any data.
type Decision struct {
	Tier    types.Tier
	NodeID  string
	Address string
	Rack    string
	Device  int
	Remote  bool
}

// noCapacityError signals that no tier anywhere can fit the block.
type noCapacityError struct{ id string }

func (e noCapacityError) Error() string { return "no tier with capacity for block: " + e.id }

// ErrNoCapacity constructs a noCapacityError.
func ErrNoCapacity(id string) error { return noCapacityError{id: id} }

// IsNoCapacity reports whether err means no tier could fit the block.
func IsNoCapacity(err error) bool {
	_, ok := err.(noCapacityError)
	return ok
}

// coldStartScore is the predicted-hotness floor below which a new block
// skips the GPU classes and starts life in host memory. Low-priority blocks
// with no access history fall under it; normal and critical ones do not.
const coldStartScore = 2.0

// Router picks a tier/node/device for new and migrating blocks.
type Router struct {
	localNode    string
	reg          *registry.Registry
	caps         CapacityView
	bias         Bias
	deviceByTier map[types.Tier]int
}

// New builds a Router. deviceByTier maps GPU tiers to device indexes; bias
// may be nil when no profiler runs.
func New(localNode string, reg *registry.Registry, caps CapacityView, deviceByTier map[types.Tier]int, bias Bias) *Router {
	if deviceByTier == nil {
		deviceByTier = map[types.Tier]int{types.TierGPUPrimary: 0, types.TierGPUSecondary: 1}
	}
	return &Router{localNode: localNode, reg: reg, caps: caps, bias: bias, deviceByTier: deviceByTier}
}

// Route decides the target placement for req.
//
// Preference order: the fastest local tier the block qualifies for that has
// free capacity >= size; then remote nodes' GPU-secondary/host tiers by
// best fit; otherwise ErrNoCapacity, at which point the caller runs one
// eviction cycle and retries once.
func (r *Router) Route(req Request) (Decision, error) {
	start := req.Affinity
	if r.predictedScore(req) < coldStartScore && start.FasterThan(types.TierHostPinned) {
		// Cold block with no history: keep GPU space for proven-hot blocks.
		start = types.TierHostPinned
	}

	for _, t := range types.LocalTiers {
		if t.FasterThan(start) {
			// Faster than the block qualifies for.
			continue
		}
		if r.caps.FreeBytes(t) >= req.Size {
			return r.localDecision(t), nil
		}
	}

	if d, ok := r.routeRemote(req); ok {
		return d, nil
	}
	return Decision{}, ErrNoCapacity(req.BlockID)
}

// MostPressured returns the local tier with the highest used/capacity ratio;
// the eviction cycle targets it when Route comes up empty.
func (r *Router) MostPressured() (types.Tier, float64) {
	worst, worstRatio := types.TierGPUPrimary, -1.0
	for _, t := range types.LocalTiers {
		capBytes := r.caps.CapacityBytes(t)
		if capBytes == 0 {
			continue
		}
		ratio := float64(capBytes-r.caps.FreeBytes(t)) / float64(capBytes)
		if ratio > worstRatio {
			worst, worstRatio = t, ratio
		}
	}
	return worst, worstRatio
}

func (r *Router) predictedScore(req Request) float64 {
	if req.Hotness > 0 {
		return req.Hotness
	}
	return req.Priority.Weight()
}

func (r *Router) localDecision(t types.Tier) Decision {
	return Decision{Tier: t, NodeID: r.localNode, Device: r.device(t)}
}

func (r *Router) device(t types.Tier) int {
	d, ok := r.deviceByTier[t]
	if !ok {
		return 0
	}
	if r.bias == nil {
		return d
	}
	// The profiler can redirect a GPU-tier placement to a faster sibling
	// device when one is mapped for the same class.
	best, bestBias := d, r.bias(d)
	for _, cand := range r.deviceByTier {
		if b := r.bias(cand); cand != d && b > bestBias {
			best, bestBias = cand, b
		}
	}
	return best
}

// remoteCandidate pairs a node and tier with its post-placement free space.
type remoteCandidate struct {
	node  types.NodeInfo
	tier  types.Tier
	slack int64
}

// remoteTiers are the peer tiers eligible for spill-over placement.
var remoteTiers = []types.Tier{types.TierGPUSecondary, types.TierHostPinned, types.TierHostPageable}

func (r *Router) routeRemote(req Request) (Decision, bool) {
	if r.reg == nil {
		return Decision{}, false
	}
	var cands []remoteCandidate
	for _, n := range r.reg.ListNodes() {
		if !n.Alive || n.ID == r.localNode {
			continue
		}
		for _, t := range remoteTiers {
			free := n.TierFree[t]
			if free >= req.Size {
				cands = append(cands, remoteCandidate{node: n, tier: t, slack: free - req.Size})
			}
		}
	}
	if len(cands) == 0 {
		return Decision{}, false
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].slack != cands[j].slack {
			return cands[i].slack > cands[j].slack
		}
		return cands[i].node.ID < cands[j].node.ID
	})
	c := cands[0]
	return Decision{
		Tier:    c.tier,
		NodeID:  c.node.ID,
		Address: c.node.Address,
		Rack:    c.node.Rack,
		Remote:  true,
	}, true
}
