package types

// Priority is the caller-declared importance of a block. It weights hotness
// accumulation and shields blocks from eviction.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Weight returns the eviction/hotness weight of the priority.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// ParsePriority clamps arbitrary caller input to a known priority. Unknown
// strings degrade to "normal"; the value is otherwise trusted as declared
// (no server-side quota is enforced, a known gap of the observed behavior).
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityCritical, PriorityNormal, PriorityLow:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// Location is the single authoritative physical placement of a block.
type Location struct {
	NodeID string `json:"node_id"`
	Tier   Tier   `json:"tier"`
	// Device index within the node, meaningful for GPU tiers.
	Device int `json:"device"`
	// Offset into the tier's backing store, or the backing file path for
	// file-based tiers.
	Offset int64  `json:"offset"`
	Path   string `json:"path,omitempty"`
}

// NodeInfo is one entry of the node registry. Entries are owned by the
// cluster discovery collaborator; this engine only reads them.
type NodeInfo struct {
	ID      string `json:"id" yaml:"id"`
	Address string `json:"address" yaml:"address"`
	// Rack groups nodes for transport locality classification.
	Rack     string         `json:"rack,omitempty" yaml:"rack,omitempty"`
	Alive    bool           `json:"alive" yaml:"alive"`
	TierFree map[Tier]int64 `json:"tier_free" yaml:"tier_free"`
}

// TransferState is the lifecycle of one transfer descriptor.
type TransferState string

const (
	TransferPending  TransferState = "pending"
	TransferComplete TransferState = "complete"
	TransferFailed   TransferState = "failed"
)
