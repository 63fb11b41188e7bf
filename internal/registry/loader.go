package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"vramancer/pkg/types"
)

// LoadFile reads a node registry snapshot from a yaml or json file.
// The file holds a list of NodeInfo entries as emitted by discovery.
func LoadFile(path string) ([]types.NodeInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read nodes file: %w", err)
	}
	var nodes []types.NodeInfo
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &nodes); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(b, &nodes); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported nodes file extension: %s", ext)
	}
	return nodes, nil
}
