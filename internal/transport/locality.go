package transport

import "vramancer/pkg/types"

// Locality classifies a (source, destination) endpoint pair. The class picks
// the transport chain: cheapest viable mover first.
type Locality int

const (
	SameAccelerator Locality = iota
	SameHost
	SameRack
	Remote
)

func (l Locality) String() string {
	switch l {
	case SameAccelerator:
		return "same-accelerator"
	case SameHost:
		return "same-host"
	case SameRack:
		return "same-rack"
	default:
		return "remote"
	}
}

// Endpoint is one side of a transfer.
type Endpoint struct {
	NodeID string
	Rack   string
	// Addr is the peer's reachable address, only set for off-node endpoints.
	Addr   string
	Tier   types.Tier
	Device int
}

func isDeviceTier(t types.Tier) bool {
	return t == types.TierGPUPrimary || t == types.TierGPUSecondary
}

// Classify maps an endpoint pair to its locality class.
func Classify(src, dst Endpoint) Locality {
	if src.NodeID == dst.NodeID {
		if isDeviceTier(src.Tier) && isDeviceTier(dst.Tier) && src.Device == dst.Device {
			return SameAccelerator
		}
		return SameHost
	}
	if src.Rack != "" && src.Rack == dst.Rack {
		return SameRack
	}
	return Remote
}
