package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and are replaced by defaults in main.
type Config struct {
	Addr   string `json:"addr" yaml:"addr" toml:"addr"`
	NodeID string `json:"node_id" yaml:"node_id" toml:"node_id"`
	// DataDir backs the local-fast (mmap) and cold-archive tiers.
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	// Capacity per tier in MB, keyed by tier name ("gpu-primary", ...).
	TierCapacityMB map[string]int64 `json:"tier_capacity_mb" yaml:"tier_capacity_mb" toml:"tier_capacity_mb"`
	// Eviction starts when a tier's used/capacity exceeds this percentage.
	PressurePct float64 `json:"pressure_pct" yaml:"pressure_pct" toml:"pressure_pct"`
	// Hotness decay half-life in seconds.
	HalfLifeSecs float64 `json:"half_life_secs" yaml:"half_life_secs" toml:"half_life_secs"`
	// How many computation steps ahead the scheduler prefetches.
	PrefetchWindow int `json:"prefetch_window" yaml:"prefetch_window" toml:"prefetch_window"`
	// Per-transfer deadline in milliseconds.
	TransferTimeoutMs int `json:"transfer_timeout_ms" yaml:"transfer_timeout_ms" toml:"transfer_timeout_ms"`
	// Optional sqlite migration journal; empty disables journaling.
	JournalPath string `json:"journal_path" yaml:"journal_path" toml:"journal_path"`
	// Static node registry snapshot, used when discovery is not wired.
	NodesFile string `json:"nodes_file" yaml:"nodes_file" toml:"nodes_file"`
	// Discovery etcd endpoints; the registry watches node entries there.
	EtcdEndpoints []string `json:"etcd_endpoints" yaml:"etcd_endpoints" toml:"etcd_endpoints"`
	EtcdPrefix    string   `json:"etcd_prefix" yaml:"etcd_prefix" toml:"etcd_prefix"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
