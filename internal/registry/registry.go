package registry

import (
	"sync"

	"vramancer/pkg/types"
)

// Registry is a read view over the node set published by cluster discovery.
// The engine never mutates individual entries; discovery replaces the
// snapshot wholesale via SetNodes (file reload or etcd watch).
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]types.NodeInfo
}

func New() *Registry {
	return &Registry{nodes: make(map[string]types.NodeInfo)}
}

// SetNodes replaces the current snapshot.
func (r *Registry) SetNodes(nodes []types.NodeInfo) {
	next := make(map[string]types.NodeInfo, len(nodes))
	for _, n := range nodes {
		next[n.ID] = n
	}
	r.mu.Lock()
	r.nodes = next
	r.mu.Unlock()
}

// ListNodes returns a copy of all known nodes.
func (r *Registry) ListNodes() []types.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// Lookup returns the node with the given id.
func (r *Registry) Lookup(id string) (types.NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// upsert and remove back the etcd watcher; snapshot sources use SetNodes.
func (r *Registry) upsert(n types.NodeInfo) {
	r.mu.Lock()
	r.nodes[n.ID] = n
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.nodes, id)
	r.mu.Unlock()
}
