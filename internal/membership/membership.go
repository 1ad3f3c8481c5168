// Package membership implements cluster membership: the authoritative set
// of live silos, projected into the local hash ring, with
// heartbeat-driven liveness and TTL eviction.
package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quarkrt/quark/internal/envelope"
	"github.com/quarkrt/quark/internal/hashring"
	quarklog "github.com/quarkrt/quark/internal/log"
	"github.com/quarkrt/quark/internal/persistence"
)

var log = quarklog.NewSubLogger("MBRS")

// Status is a silo's lifecycle state.
type Status string

const (
	StatusJoining  Status = "joining"
	StatusActive   Status = "active"
	StatusDraining Status = "draining"
	StatusDead     Status = "dead"
)

// SiloInfo describes a registered silo. Region/Zone/ShardGroup populate
// the hierarchical hash ring's affinity partitions; they are optional and
// default to "".
type SiloInfo struct {
	SiloID            string
	Address           string
	Port              int
	Status            Status
	LastHeartbeat     time.Time
	ActorTypeVersions map[string]string

	Region     string
	Zone       string
	ShardGroup string
}

func siloKey(siloID string) string {
	return "cluster/silo/" + siloID
}

// EvictionPolicy governs whether the health monitor removes unresponsive
// silos.
type EvictionPolicy int

const (
	// EvictionNone never evicts; silos are removed only via
	// UnregisterSilo.
	EvictionNone EvictionPolicy = iota

	// EvictionHeartbeatTimeout removes a silo once its LastHeartbeat is
	// older than Config.EvictionThreshold.
	EvictionHeartbeatTimeout
)

// EventKind distinguishes silo join from silo leave.
type EventKind int

const (
	EventSiloJoined EventKind = iota
	EventSiloLeft
)

// Event is delivered to every registered listener on silo join/leave.
type Event struct {
	Kind EventKind
	Silo SiloInfo
}

// Config holds the tunables for a Registry.
type Config struct {
	// HeartbeatTTL is the TTL attached to this silo's own cluster-store
	// record; it must be refreshed more often than it expires.
	HeartbeatTTL time.Duration

	// HeartbeatInterval is how often Start refreshes this silo's own
	// heartbeat.
	HeartbeatInterval time.Duration

	// EvictionPolicy selects whether the health monitor evicts silos.
	EvictionPolicy EvictionPolicy

	// EvictionCheckInterval is how often the health monitor runs.
	EvictionCheckInterval time.Duration

	// EvictionThreshold is how stale LastHeartbeat must be before a silo
	// is declared dead under EvictionHeartbeatTimeout.
	EvictionThreshold time.Duration

	// HealthHistorySize bounds how many health samples are retained per
	// silo.
	HealthHistorySize int

	// HealthWeights weighs the (cpu, mem, latency) triple into a single
	// score; must sum to a positive number.
	HealthWeights [3]float64
}

// DefaultConfig returns reasonable membership defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTTL:          30 * time.Second,
		HeartbeatInterval:     5 * time.Second,
		EvictionPolicy:        EvictionHeartbeatTimeout,
		EvictionCheckInterval: 10 * time.Second,
		EvictionThreshold:     45 * time.Second,
		HealthHistorySize:     20,
		HealthWeights:         [3]float64{0.4, 0.3, 0.3},
	}
}

// HealthSample is one (cpu%, mem%, latencyMs) observation for a silo.
type HealthSample struct {
	CPUPercent float64
	MemPercent float64
	LatencyMs  float64
	At         time.Time
}

// Registry is the per-silo membership manager: it registers this silo,
// heartbeats it, watches the cluster store for membership changes,
// reconciles the local hash ring, and runs the eviction health monitor.
type Registry struct {
	mu    sync.RWMutex
	store persistence.ClusterStore
	ring  *hashring.Hierarchical
	cfg   Config
	self  SiloInfo

	silos  map[string]SiloInfo
	health map[string][]HealthSample

	listenersMu sync.RWMutex
	listeners   []func(Event)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry constructs a Registry for the given local silo. The ring
// passed in is shared with the router and directory so every component
// sees the same placement decisions.
func NewRegistry(store persistence.ClusterStore, ring *hashring.Hierarchical,
	cfg Config, self SiloInfo,
) *Registry {
	if self.Status == "" {
		self.Status = StatusJoining
	}

	return &Registry{
		store:  store,
		ring:   ring,
		cfg:    cfg,
		self:   self,
		silos:  make(map[string]SiloInfo),
		health: make(map[string][]HealthSample),
	}
}

// Subscribe registers a listener invoked on every SiloJoined/SiloLeft
// event, including those raised by the initial reconciliation that Start
// runs for silos already present in the cluster store.
func (r *Registry) Subscribe(fn func(Event)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()

	r.listeners = append(r.listeners, fn)
}

func (r *Registry) emit(ev Event) {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()

	for _, fn := range r.listeners {
		fn(ev)
	}
}

// RegisterSilo writes this silo's record with a TTL and inserts it into
// the hash ring.
func (r *Registry) RegisterSilo(ctx context.Context) error {
	r.mu.Lock()
	r.self.Status = StatusActive
	r.self.LastHeartbeat = time.Now()
	info := r.self
	r.mu.Unlock()

	if err := r.putSilo(ctx, info); err != nil {
		return err
	}

	r.ring.AddNode(hashring.Node{
		SiloID:     info.SiloID,
		Region:     info.Region,
		Zone:       info.Zone,
		ShardGroup: info.ShardGroup,
	})

	r.mu.Lock()
	r.silos[info.SiloID] = info
	r.mu.Unlock()

	log.InfoS(ctx, "Silo registered", "silo_id", info.SiloID, "address", info.Address)

	return nil
}

func (r *Registry) putSilo(ctx context.Context, info SiloInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode silo info: %w", err)
	}

	return r.store.Put(ctx, siloKey(info.SiloID), data, r.cfg.HeartbeatTTL)
}

// UpdateHeartbeat refreshes this silo's TTL and LastHeartbeat.
func (r *Registry) UpdateHeartbeat(ctx context.Context) error {
	r.mu.Lock()
	r.self.LastHeartbeat = time.Now()
	info := r.self
	r.mu.Unlock()

	if err := r.putSilo(ctx, info); err != nil {
		return err
	}

	r.mu.Lock()
	r.silos[info.SiloID] = info
	r.mu.Unlock()

	return nil
}

// UnregisterSilo deletes this silo's cluster-store record and removes it
// from the hash ring.
func (r *Registry) UnregisterSilo(ctx context.Context) error {
	if err := r.store.Delete(ctx, siloKey(r.self.SiloID)); err != nil {
		return err
	}

	r.ring.RemoveNode(r.self.SiloID)

	r.mu.Lock()
	delete(r.silos, r.self.SiloID)
	r.mu.Unlock()

	log.InfoS(ctx, "Silo unregistered", "silo_id", r.self.SiloID)

	return nil
}

// GetActiveSilos returns every silo currently known to be Active.
func (r *Registry) GetActiveSilos() []SiloInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []SiloInfo
	for _, s := range r.silos {
		if s.Status == StatusActive {
			out = append(out, s)
		}
	}

	return out
}

// GetSilo returns the known info for siloID, if any.
func (r *Registry) GetSilo(siloID string) (SiloInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.silos[siloID]

	return s, ok
}

// GetActorSilo resolves the silo owning (actorType, actorID) via the hash
// ring.
func (r *Registry) GetActorSilo(actorType, actorID string) (string, bool) {
	key := envelope.CompositeKey(actorType, actorID)

	return r.ring.Lookup(key, hashring.LookupOptions{})
}

// RecordHealthSample appends a health observation for siloID, trimming the
// history to Config.HealthHistorySize.
func (r *Registry) RecordHealthSample(siloID string, sample HealthSample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hist := append(r.health[siloID], sample)
	if max := r.cfg.HealthHistorySize; max > 0 && len(hist) > max {
		hist = hist[len(hist)-max:]
	}
	r.health[siloID] = hist
}

// HealthScore returns the weighted average of siloID's recorded samples,
// or ok=false if none have been recorded.
func (r *Registry) HealthScore(siloID string) (score float64, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hist := r.health[siloID]
	if len(hist) == 0 {
		return 0, false
	}

	w := r.cfg.HealthWeights
	var total float64
	for _, s := range hist {
		total += w[0]*s.CPUPercent + w[1]*s.MemPercent + w[2]*s.LatencyMs
	}

	return total / float64(len(hist)), true
}

// Start begins the heartbeat loop, the cluster-store reconciliation loop,
// and (if EvictionPolicy != EvictionNone) the eviction health monitor.
// Stop must be called to release resources.
func (r *Registry) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.heartbeatLoop(runCtx)

	r.wg.Add(1)
	go r.reconcileLoop(runCtx)

	if r.cfg.EvictionPolicy != EvictionNone {
		r.wg.Add(1)
		go r.evictionLoop(runCtx)
	}
}

// Stop halts every background loop started by Start and waits for them to
// exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Registry) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.UpdateHeartbeat(ctx); err != nil {
				log.WarnS(ctx, "Heartbeat refresh failed", err, "silo_id", r.self.SiloID)
			}
		}
	}
}

func (r *Registry) reconcileLoop(ctx context.Context) {
	defer r.wg.Done()

	changes := r.store.Watch(ctx)

	// Run one reconciliation immediately so a Registry that joins an
	// already-populated cluster sees existing peers without waiting for
	// the first Watch tick.
	r.reconcileOnce(ctx)

	for range changes {
		r.reconcileOnce(ctx)
	}
}

func (r *Registry) reconcileOnce(ctx context.Context) {
	kvs, err := r.store.ScanPrefix(ctx, "cluster/silo/")
	if err != nil {
		log.WarnS(ctx, "Failed to scan cluster store for reconciliation", err)
		return
	}

	seen := make(map[string]bool, len(kvs))

	for _, kv := range kvs {
		var info SiloInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			log.WarnS(ctx, "Failed to decode silo record", err, "key", kv.Key)
			continue
		}

		seen[info.SiloID] = true

		r.mu.Lock()
		_, known := r.silos[info.SiloID]
		r.silos[info.SiloID] = info
		r.mu.Unlock()

		if !known && info.Status == StatusActive {
			r.ring.AddNode(hashring.Node{
				SiloID:     info.SiloID,
				Region:     info.Region,
				Zone:       info.Zone,
				ShardGroup: info.ShardGroup,
			})
			r.emit(Event{Kind: EventSiloJoined, Silo: info})
		}
	}

	r.mu.Lock()
	var gone []SiloInfo
	for id, info := range r.silos {
		if !seen[id] {
			gone = append(gone, info)
			delete(r.silos, id)
		}
	}
	r.mu.Unlock()

	for _, info := range gone {
		r.ring.RemoveNode(info.SiloID)
		r.emit(Event{Kind: EventSiloLeft, Silo: info})
	}
}

func (r *Registry) evictionLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.EvictionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictStale(ctx)
		}
	}
}

func (r *Registry) evictStale(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	var stale []SiloInfo
	for id, info := range r.silos {
		if id == r.self.SiloID {
			continue
		}
		if now.Sub(info.LastHeartbeat) > r.cfg.EvictionThreshold {
			stale = append(stale, info)
			delete(r.silos, id)
		}
	}
	r.mu.Unlock()

	for _, info := range stale {
		info.Status = StatusDead
		r.ring.RemoveNode(info.SiloID)

		if err := r.store.Delete(ctx, siloKey(info.SiloID)); err != nil {
			log.WarnS(ctx, "Failed to delete evicted silo record", err, "silo_id", info.SiloID)
		}

		log.InfoS(ctx, "Silo evicted on heartbeat timeout", "silo_id", info.SiloID)
		r.emit(Event{Kind: EventSiloLeft, Silo: info})
	}
}
