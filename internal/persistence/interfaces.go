// Package persistence implements the runtime's three storage contracts:
// ClusterStore (silo membership), StateStore (versioned per-actor state),
// and ReminderTable (durable scheduled messages). Each ships a Memory*
// implementation for tests and a Sqlite* implementation for production.
package persistence

import (
	"context"
	"time"
)

// KV is a single keyed record returned by ScanPrefix.
type KV struct {
	Key   string
	Value []byte
}

// ClusterStore is the keyed, TTL-bearing store membership and the actor
// directory are both built on: "cluster/silo/<id>" records for
// membership, "cluster/actor/<type>/<id>" records for actor locations.
type ClusterStore interface {
	// Put writes value under key with the given TTL. A zero TTL means no
	// expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value stored under key, or ok=false if absent or
	// expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ScanPrefix returns every non-expired record whose key starts with
	// prefix.
	ScanPrefix(ctx context.Context, prefix string) ([]KV, error)

	// Watch returns a channel that receives a notification after every
	// Put/Delete. It is a polling-fallback substitute for pub/sub:
	// receivers should re-scan rather than trust the notification's
	// timing. The channel is closed when ctx is done.
	Watch(ctx context.Context) <-chan struct{}
}

// StateRecord is a versioned piece of actor state as returned by
// LoadWithVersion.
type StateRecord struct {
	State   []byte
	Version uint64
}

// StateStore persists per-actor named state blobs, with an optional
// optimistic-concurrency path for callers that need it.
type StateStore interface {
	// Load returns the named state for actorID, or ok=false if unset.
	Load(ctx context.Context, actorID, name string) (state []byte, ok bool, err error)

	// Save overwrites the named state for actorID unconditionally.
	Save(ctx context.Context, actorID, name string, state []byte) error

	// Delete removes the named state for actorID.
	Delete(ctx context.Context, actorID, name string) error

	// LoadWithVersion returns the named state along with its current
	// version, or ok=false if unset.
	LoadWithVersion(ctx context.Context, actorID, name string) (rec StateRecord, ok bool, err error)

	// SaveWithVersion writes the named state, enforcing that the stored
	// version matches expectedVersion (nil means "must not already
	// exist"). On mismatch it returns a *quarkerr.ConcurrencyConflict and
	// leaves the stored value untouched. On success it returns the new
	// version.
	SaveWithVersion(ctx context.Context, actorID, name string, state []byte,
		expectedVersion *uint64) (newVersion uint64, err error)
}

// Reminder is a durable, hash-ring-owned scheduled message targeting an
// actor.
type Reminder struct {
	ActorID      string
	ActorType    string
	Name         string
	NextFireTime time.Time
	Period       time.Duration // zero means one-shot
	LastFiredAt  time.Time
	LastFiredSet bool
}

// OwnerFilter reports whether the calling silo owns the given actor
// identity. GetDueRemindersForSilo uses it to apply hash-ring ownership
// without this package importing internal/hashring. A nil filter (as used
// in tests that construct a ReminderTable with no ring) matches every
// reminder.
type OwnerFilter func(actorType, actorID string) bool

// ReminderTable is the durable store backing the reminder tick manager.
type ReminderTable interface {
	// Register inserts or replaces a reminder keyed by (actorID, name).
	Register(ctx context.Context, r Reminder) error

	// Unregister removes the reminder named name for actorID.
	Unregister(ctx context.Context, actorID, name string) error

	// GetReminders returns every reminder registered for actorID.
	GetReminders(ctx context.Context, actorID string) ([]Reminder, error)

	// GetDueRemindersForSilo returns every reminder with NextFireTime <=
	// now that filter reports this silo owns. A nil filter returns every
	// due reminder regardless of ownership.
	GetDueRemindersForSilo(ctx context.Context, now time.Time, filter OwnerFilter) ([]Reminder, error)

	// UpdateFireTime advances a reminder's schedule after it fires.
	UpdateFireTime(ctx context.Context, actorID, name string, lastFired, nextFire time.Time) error
}
