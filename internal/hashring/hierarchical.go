package hashring

import "sync"

// LookupOptions restrict a Hierarchical lookup to a preferred partition
// before falling through to the global ring. All fields are optional.
type LookupOptions struct {
	PreferredRegion     string
	PreferredZone       string
	PreferredShardGroup string
}

// Hierarchical wraps a flat Ring with three additional partitions (one
// vnode set per region, per zone, and per shard group) consulted in
// affinity order: shard group, then zone, then region, then the global
// ring.
type Hierarchical struct {
	mu     sync.RWMutex
	global *Ring

	// partition[kind][label] is the set of vnode IDs (silo IDs) whose
	// affinity label under that kind matches. These mirror the global
	// ring's membership; they're not independent rings with their own
	// vnode placement, since the affinity partitions are just filters
	// over the same vnode set (this keeps a single hash space, so a
	// lookup that falls through to the global ring agrees with a
	// partitioned lookup on tie-breaking).
	regionMembers     map[string]map[string]bool
	zoneMembers       map[string]map[string]bool
	shardGroupMembers map[string]map[string]bool
}

// NewHierarchical creates an empty hierarchical ring.
func NewHierarchical() *Hierarchical {
	return &Hierarchical{
		global:            New(),
		regionMembers:     make(map[string]map[string]bool),
		zoneMembers:       make(map[string]map[string]bool),
		shardGroupMembers: make(map[string]map[string]bool),
	}
}

// AddNode inserts a silo into the global ring and records its affinity
// labels for partitioned lookups.
func (h *Hierarchical) AddNode(node Node) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global.AddNode(node)

	if node.Region != "" {
		addMember(h.regionMembers, node.Region, node.SiloID)
	}
	if node.Zone != "" {
		addMember(h.zoneMembers, node.Zone, node.SiloID)
	}
	if node.ShardGroup != "" {
		addMember(h.shardGroupMembers, node.ShardGroup, node.SiloID)
	}
}

// RemoveNode removes a silo from the global ring and every affinity
// partition it was a member of.
func (h *Hierarchical) RemoveNode(siloID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global.RemoveNode(siloID)

	for _, set := range h.regionMembers {
		delete(set, siloID)
	}
	for _, set := range h.zoneMembers {
		delete(set, siloID)
	}
	for _, set := range h.shardGroupMembers {
		delete(set, siloID)
	}
}

func addMember(set map[string]map[string]bool, label, siloID string) {
	m, ok := set[label]
	if !ok {
		m = make(map[string]bool)
		set[label] = m
	}
	m[siloID] = true
}

// Lookup returns the silo owning key, honoring affinity preferences in
// shard-group > zone > region order before falling through to the global
// ring. A preference that matches no members is simply skipped, not
// treated as an error.
func (h *Hierarchical) Lookup(key string, opts LookupOptions) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if opts.PreferredShardGroup != "" {
		if id, ok := h.lookupIn(h.shardGroupMembers, opts.PreferredShardGroup, key); ok {
			return id, true
		}
	}
	if opts.PreferredZone != "" {
		if id, ok := h.lookupIn(h.zoneMembers, opts.PreferredZone, key); ok {
			return id, true
		}
	}
	if opts.PreferredRegion != "" {
		if id, ok := h.lookupIn(h.regionMembers, opts.PreferredRegion, key); ok {
			return id, true
		}
	}

	return h.global.Lookup(key)
}

func (h *Hierarchical) lookupIn(
	partitions map[string]map[string]bool, label, key string,
) (string, bool) {
	members, ok := partitions[label]
	if !ok || len(members) == 0 {
		return "", false
	}

	return h.global.lookupLocked(key, members)
}

// NodeCount returns the number of distinct silos on the global ring.
func (h *Hierarchical) NodeCount() int {
	return h.global.NodeCount()
}

// NodesInRegion, NodesInZone, and NodesInShardGroup delegate to the
// underlying global ring's inventory queries.
func (h *Hierarchical) NodesInRegion(region string) []string {
	return h.global.NodesInRegion(region)
}

func (h *Hierarchical) NodesInZone(zone string) []string {
	return h.global.NodesInZone(zone)
}

func (h *Hierarchical) NodesInShardGroup(sg string) []string {
	return h.global.NodesInShardGroup(sg)
}
