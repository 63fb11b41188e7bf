package types

// BlockStatus is the wire view of one managed block, served by GET /memory.
type BlockStatus struct {
	// Stable block identifier, unchanged across migrations.
	ID string `json:"id"`
	// Payload size in bytes.
	SizeBytes int64 `json:"size_bytes"`
	// Current tier name, e.g. "gpu-primary".
	Tier string `json:"tier"`
	// Node holding the authoritative copy.
	NodeID string `json:"node_id"`
	// Lifecycle state, e.g. "resident", "pending-migration".
	State string `json:"state"`
	// Decayed hotness score at observation time.
	Score float64 `json:"score"`
	// Caller-declared priority.
	Priority string `json:"priority"`
	// Whether the stored bytes are compressed, and with which codec.
	Compressed bool   `json:"compressed"`
	Codec      string `json:"codec,omitempty"`
	// Unix seconds of the last recorded access.
	LastAccess int64 `json:"last_access"`
}

// TierStatus reports capacity accounting for one tier.
type TierStatus struct {
	Tier          string  `json:"tier"`
	CapacityBytes int64   `json:"capacity_bytes"`
	UsedBytes     int64   `json:"used_bytes"`
	FreeBytes     int64   `json:"free_bytes"`
	Pressure      float64 `json:"pressure"`
}

// MemoryStatusResponse is the full GET /memory payload.
type MemoryStatusResponse struct {
	NodeID     string        `json:"node_id"`
	Tiers      []TierStatus  `json:"tiers"`
	Blocks     []BlockStatus `json:"blocks"`
	Evictions  int64         `json:"evictions"`
	Promotions int64         `json:"promotions"`
}
