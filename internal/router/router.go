// Package router implements the smart router: for each outbound call,
// decide whether the target actor lives in this process, on this silo, or
// on a remote silo, consulting a short-TTL decision cache before falling
// back to the directory and then the hash ring. Cached resolutions are
// invalidated on topology change, with metrics counting cache hits versus
// each resolution kind.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/quarkrt/quark/internal/directory"
	"github.com/quarkrt/quark/internal/envelope"
	"github.com/quarkrt/quark/internal/hashring"
	quarklog "github.com/quarkrt/quark/internal/log"
)

var log = quarklog.NewSubLogger("ROUT")

// Decision is where a call to an actor identity should be dispatched.
type Decision int

const (
	// SameProcess means the activation is local to the calling
	// goroutine's silo and no envelope round trip through the silo's own
	// request pump is required. This is the most direct path.
	SameProcess Decision = iota

	// LocalSilo means the hash ring (absent a directory entry) maps the
	// key to this silo: the caller should activate locally.
	LocalSilo

	// Remote means the activation lives on (or should be activated on) a
	// different silo.
	Remote
)

func (d Decision) String() string {
	switch d {
	case SameProcess:
		return "same_process"
	case LocalSilo:
		return "local_silo"
	default:
		return "remote"
	}
}

// Result is the resolved routing decision for one actor identity.
type Result struct {
	Decision Decision
	SiloID   string
}

// DefaultCacheTTL bounds how long a routing decision stays cached.
const DefaultCacheTTL = 30 * time.Second

// Metrics counts routing outcomes.
type Metrics struct {
	TotalRequests int64
	LocalSiloHits int64
	RemoteHits    int64
	CacheHits     int64
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Ring is the subset of *hashring.Hierarchical the router needs; declared
// as an interface so tests can substitute a flat *hashring.Ring-backed
// fake without pulling in affinity semantics.
type Ring interface {
	Lookup(key string, opts hashring.LookupOptions) (string, bool)
}

// Router resolves SameProcess/LocalSilo/Remote for actor identities.
type Router struct {
	localSiloID string
	dir         *directory.Directory
	ring        Ring
	cacheTTL    time.Duration

	// local reports whether (actorType, actorID) is an activation
	// already running in this process, independent of the directory:
	// the fast path a real silo implements by consulting its live
	// activation table.
	local func(actorType, actorID string) bool

	mu      sync.Mutex
	cache   map[string]cacheEntry
	metrics Metrics
}

// New constructs a Router. local is called to check whether an actor
// identity is already activated in this process (SameProcess); it may be
// nil, in which case SameProcess is never returned.
func New(localSiloID string, dir *directory.Directory, ring Ring, local func(actorType, actorID string) bool) *Router {
	if local == nil {
		local = func(string, string) bool { return false }
	}

	return &Router{
		localSiloID: localSiloID,
		dir:         dir,
		ring:        ring,
		cacheTTL:    DefaultCacheTTL,
		local:       local,
		cache:       make(map[string]cacheEntry),
	}
}

// WithCacheTTL overrides the default decision-cache TTL.
func (r *Router) WithCacheTTL(ttl time.Duration) *Router {
	r.cacheTTL = ttl
	return r
}

// Route resolves the routing decision for (actorType, actorID):
// consult the cache, then the directory, then fall back to the hash
// ring.
func (r *Router) Route(ctx context.Context, actorType, actorID string) (Result, error) {
	key := envelope.CompositeKey(actorType, actorID)

	r.mu.Lock()
	r.metrics.TotalRequests++
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		r.metrics.CacheHits++
		r.countDecision(entry.result.Decision)
		r.mu.Unlock()

		return entry.result, nil
	}
	r.mu.Unlock()

	if r.local(actorType, actorID) {
		res := Result{Decision: SameProcess, SiloID: r.localSiloID}
		r.cacheAndCount(key, res)

		return res, nil
	}

	loc, ok, err := r.dir.Lookup(ctx, actorType, actorID)
	if err != nil {
		return Result{}, err
	}

	if ok {
		decision := Remote
		if loc.SiloID == r.localSiloID {
			decision = LocalSilo
		}

		res := Result{Decision: decision, SiloID: loc.SiloID}
		r.cacheAndCount(key, res)

		return res, nil
	}

	siloID, found := r.ring.Lookup(key, hashring.LookupOptions{})
	if !found {
		return Result{}, nil
	}

	decision := Remote
	if siloID == r.localSiloID {
		decision = LocalSilo
	}

	res := Result{Decision: decision, SiloID: siloID}
	r.cacheAndCount(key, res)

	return res, nil
}

func (r *Router) cacheAndCount(key string, res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache[key] = cacheEntry{result: res, expiresAt: time.Now().Add(r.cacheTTL)}
	r.countDecision(res.Decision)
}

func (r *Router) countDecision(d Decision) {
	switch d {
	case LocalSilo, SameProcess:
		r.metrics.LocalSiloHits++
	case Remote:
		r.metrics.RemoteHits++
	}
}

// InvalidateCache drops any cached decision for (actorType, actorID), on
// migration, on directory-change events, or after an explicit directory
// error.
func (r *Router) InvalidateCache(actorType, actorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.cache, envelope.CompositeKey(actorType, actorID))
}

// InvalidateAll clears the entire decision cache, e.g. on a membership
// change event that could have shifted many keys' hash-ring owners.
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache = make(map[string]cacheEntry)
}

// Metrics returns a snapshot of the router's counters.
func (r *Router) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.metrics
}
