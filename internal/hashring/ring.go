// Package hashring implements the consistent-hash placement structure used
// to map actor identities to silos and to determine reminder ownership. A
// flat Ring is the default; Hierarchical adds region/zone/shard-group
// affinity on top of it. Virtual nodes are hashed with the standard
// library's hash/crc32, a portable choice that keeps the ring free of
// platform-specific hashing.
package hashring

import (
	"context"
	"hash/crc32"
	"sort"
	"strconv"
	"sync"

	quarklog "github.com/quarkrt/quark/internal/log"
)

var log = quarklog.NewSubLogger("HRNG")

// DefaultVirtualNodes is the default number of virtual nodes placed on the
// ring per silo.
const DefaultVirtualNodes = 150

// Node describes a silo as placed on the ring, including the optional
// affinity labels the Hierarchical ring partitions on.
type Node struct {
	SiloID           string
	Region           string
	Zone             string
	ShardGroup       string
	VirtualNodeCount int
}

// vnode is a single virtual node's position on the ring.
type vnode struct {
	hash  uint32
	id    string
	index int
}

// Ring is a flat consistent-hash ring. It is safe for concurrent use: reads
// (Lookup) take the read lock; writes (AddNode/RemoveNode) take the write
// lock and are expected to be rare, driven only by membership change
// events.
type Ring struct {
	mu    sync.RWMutex
	nodes map[string]Node
	ring  []vnode // kept sorted by hash ascending
}

// New creates an empty ring.
func New() *Ring {
	return &Ring{
		nodes: make(map[string]Node),
	}
}

// vnodeHash hashes "siloId|vnodeIndex" into the 32-bit ring space.
func vnodeHash(siloID string, idx int) uint32 {
	key := siloID + "|" + strconv.Itoa(idx)
	return crc32.ChecksumIEEE([]byte(key))
}

// AddNode inserts a silo's virtual nodes into the ring. Idempotent: adding
// a silo ID that is already present replaces its prior virtual nodes (this
// also lets callers update a node's affinity labels in place).
func (r *Ring) AddNode(node Node) {
	if node.VirtualNodeCount <= 0 {
		node.VirtualNodeCount = DefaultVirtualNodes
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeNodeLocked(node.SiloID)
	r.nodes[node.SiloID] = node

	for i := 0; i < node.VirtualNodeCount; i++ {
		r.ring = append(r.ring, vnode{
			hash:  vnodeHash(node.SiloID, i),
			id:    node.SiloID,
			index: i,
		})
	}

	sort.Slice(r.ring, func(i, j int) bool {
		if r.ring[i].hash != r.ring[j].hash {
			return r.ring[i].hash < r.ring[j].hash
		}
		if r.ring[i].id != r.ring[j].id {
			return r.ring[i].id < r.ring[j].id
		}
		return r.ring[i].index < r.ring[j].index
	})

	log.DebugS(context.Background(), "Node added to ring",
		"silo_id", node.SiloID, "vnodes", node.VirtualNodeCount,
		"ring_size", len(r.ring))
}

// RemoveNode removes a silo and all of its virtual nodes from the ring.
func (r *Ring) RemoveNode(siloID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeNodeLocked(siloID)
}

func (r *Ring) removeNodeLocked(siloID string) {
	if _, ok := r.nodes[siloID]; !ok {
		return
	}
	delete(r.nodes, siloID)

	filtered := r.ring[:0]
	for _, vn := range r.ring {
		if vn.id != siloID {
			filtered = append(filtered, vn)
		}
	}
	r.ring = filtered
}

// Lookup returns the silo owning key, or false if the ring is empty. This
// is the flat (non-hierarchical) lookup: binary search for the first vnode
// whose hash is >= hash(key), wrapping around at the end of the ring.
func (r *Ring) Lookup(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.lookupLocked(key, nil)
}

// lookupLocked finds the owning vnode for key, optionally restricted to a
// subset of vnodes (used by the hierarchical ring to search a region/zone/
// shard-group partition first). A nil filter searches the whole ring.
func (r *Ring) lookupLocked(key string, filter map[string]bool) (string, bool) {
	if len(r.ring) == 0 {
		return "", false
	}

	h := crc32.ChecksumIEEE([]byte(key))

	n := len(r.ring)
	start := sort.Search(n, func(i int) bool {
		return r.ring[i].hash >= h
	})

	for i := 0; i < n; i++ {
		vn := r.ring[(start+i)%n]
		if filter == nil || filter[vn.id] {
			return vn.id, true
		}
	}

	return "", false
}

// NodeCount returns the number of distinct silos on the ring.
func (r *Ring) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.nodes)
}

// Nodes returns a snapshot of every silo currently on the ring.
func (r *Ring) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}

	return out
}

// NodesInRegion returns the silo IDs with the given region affinity.
func (r *Ring) NodesInRegion(region string) []string {
	return r.nodesWhere(func(n Node) bool { return n.Region == region })
}

// NodesInZone returns the silo IDs with the given zone affinity.
func (r *Ring) NodesInZone(zone string) []string {
	return r.nodesWhere(func(n Node) bool { return n.Zone == zone })
}

// NodesInShardGroup returns the silo IDs with the given shard-group
// affinity.
func (r *Ring) NodesInShardGroup(shardGroup string) []string {
	return r.nodesWhere(func(n Node) bool { return n.ShardGroup == shardGroup })
}

func (r *Ring) nodesWhere(pred func(Node) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, n := range r.nodes {
		if pred(n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)

	return out
}
