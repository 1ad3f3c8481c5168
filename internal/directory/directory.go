// Package directory implements the actor directory: the durable
// (type, id) -> ActorLocation mapping that records which silo currently
// hosts an activation. It is a thin domain-typed layer over
// persistence.ClusterStore, following the same keyed-record idiom
// internal/membership uses for silo records.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quarkrt/quark/internal/envelope"
	quarklog "github.com/quarkrt/quark/internal/log"
	"github.com/quarkrt/quark/internal/persistence"
)

var log = quarklog.NewSubLogger("DIRC")

// DefaultTTL is the directory entry TTL applied when Register is called
// without an explicit one.
const DefaultTTL = 5 * time.Minute

// ActorLocation records where an activation lives.
type ActorLocation struct {
	SiloID       string
	RegisteredAt time.Time
	TTL          time.Duration
}

func locationKey(actorType, actorID string) string {
	return "cluster/actor/" + envelope.CompositeKey(actorType, actorID)
}

// Directory resolves and records actor placement. It holds no in-memory
// cache of its own: the short-TTL lookup cache belongs to the router
// (internal/router), which is the component that actually needs to avoid
// a store round trip on every call.
type Directory struct {
	store persistence.ClusterStore
}

// New constructs a Directory over the given cluster store.
func New(store persistence.ClusterStore) *Directory {
	return &Directory{store: store}
}

// Register records that (actorType, actorID) is hosted on siloID, with
// the given TTL (DefaultTTL if zero).
func (d *Directory) Register(ctx context.Context, actorType, actorID, siloID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	loc := ActorLocation{SiloID: siloID, RegisteredAt: time.Now(), TTL: ttl}

	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("failed to encode actor location: %w", err)
	}

	if err := d.store.Put(ctx, locationKey(actorType, actorID), data, ttl); err != nil {
		return err
	}

	log.DebugS(ctx, "Actor location registered",
		"actor_type", actorType, "actor_id", actorID, "silo_id", siloID)

	return nil
}

// Refresh re-registers (actorType, actorID) on the same silo, extending
// its TTL. It is a no-op with an error if the actor has no current
// location.
func (d *Directory) Refresh(ctx context.Context, actorType, actorID string, ttl time.Duration) error {
	loc, ok, err := d.Lookup(ctx, actorType, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("directory: no location registered for %s", envelope.CompositeKey(actorType, actorID))
	}

	return d.Register(ctx, actorType, actorID, loc.SiloID, ttl)
}

// Lookup returns the current location of (actorType, actorID), or
// ok=false if unregistered or its TTL has lapsed (handled by the
// underlying ClusterStore's own expiry check).
func (d *Directory) Lookup(ctx context.Context, actorType, actorID string) (ActorLocation, bool, error) {
	data, ok, err := d.store.Get(ctx, locationKey(actorType, actorID))
	if err != nil || !ok {
		return ActorLocation{}, ok, err
	}

	var loc ActorLocation
	if err := json.Unmarshal(data, &loc); err != nil {
		return ActorLocation{}, false, fmt.Errorf("failed to decode actor location: %w", err)
	}

	return loc, true, nil
}

// Unregister removes (actorType, actorID)'s location, on deactivation or
// as the final step of a migration's handoff.
func (d *Directory) Unregister(ctx context.Context, actorType, actorID string) error {
	if err := d.store.Delete(ctx, locationKey(actorType, actorID)); err != nil {
		return err
	}

	log.DebugS(ctx, "Actor location unregistered", "actor_type", actorType, "actor_id", actorID)

	return nil
}
