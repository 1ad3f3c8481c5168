// Package migration implements the migration coordinator: a per-actor
// drain -> transfer -> activate state machine enforcing at most one
// in-flight migration per actor, with reminder relocation as part of the
// handoff.
package migration

import (
	"context"
	"sync"
	"time"

	quarklog "github.com/quarkrt/quark/internal/log"
	"github.com/quarkrt/quark/internal/persistence"
	"github.com/quarkrt/quark/internal/quarkerr"
)

var log = quarklog.NewSubLogger("MIGR")

// Status is a migration's lifecycle state.
type Status int

const (
	StatusInProgress Status = iota
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "in_progress"
	}
}

// Record is the bookkeeping entry for one in-flight or terminal migration.
type Record struct {
	ActorID      string
	ActorType    string
	SourceSiloID string
	TargetSiloID string
	Status       Status
	Error        string
}

// Mailbox is the subset of *mailbox.Mailbox the coordinator drives,
// declared narrowly so this package doesn't need to import
// internal/mailbox's full surface.
type Mailbox interface {
	BeginDrain()
	MessageCount() int
}

// ActivationController exposes the operations the coordinator needs from
// the hosting silo: finding an activation's mailbox, fetching and applying
// state snapshots, and deactivating locally once the handoff completes.
// Satisfied by a thin adapter over *silo.Silo in production.
type ActivationController interface {
	// Mailbox returns the live mailbox for actorID, or ok=false if it has
	// no local activation.
	Mailbox(actorType, actorID string) (Mailbox, bool)

	// ActiveCallCount returns the number of calls currently executing
	// against actorID's activation; waitForDrain polls it alongside the
	// mailbox's MessageCount until both reach zero.
	ActiveCallCount(actorType, actorID string) int64

	// SnapshotState returns the serialized state to transfer.
	SnapshotState(ctx context.Context, actorType, actorID string) ([]byte, error)

	// TransferState ships state to targetSiloID.
	TransferState(ctx context.Context, actorType, actorID, targetSiloID string, state []byte) error

	// ActivateOnTarget instructs targetSiloID to instantiate and load
	// actorID from the already-transferred state.
	ActivateOnTarget(ctx context.Context, actorType, actorID, targetSiloID string) error

	// DeactivateLocal removes the local activation, the final step once a
	// migration completes.
	DeactivateLocal(ctx context.Context, actorType, actorID string)
}

// DirectoryUpdater is the narrow slice of internal/directory.Directory the
// coordinator needs.
type DirectoryUpdater interface {
	Register(ctx context.Context, actorType, actorID, siloID string, ttl time.Duration) error
	Unregister(ctx context.Context, actorType, actorID string) error
}

// RouterInvalidator invalidates a router's cached routing decision for an
// actor, so the very next call after a migration sees the new owner.
type RouterInvalidator interface {
	InvalidateCache(actorType, actorID string)
}

// Config bundles a Coordinator's collaborators.
type Config struct {
	SourceSiloID string
	Activation   ActivationController
	Directory    DirectoryUpdater
	Reminders    persistence.ReminderTable
	Router       RouterInvalidator

	// DrainPollInterval is how often waitForDrain re-checks
	// quiescence.
	DrainPollInterval time.Duration
}

// Coordinator drives actor migrations.
type Coordinator struct {
	cfg Config

	mu       sync.Mutex
	inFlight map[string]*Record // keyed by actorType/actorID
	terminal map[string]*Record
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.DrainPollInterval <= 0 {
		cfg.DrainPollInterval = 10 * time.Millisecond
	}

	return &Coordinator{
		cfg:      cfg,
		inFlight: make(map[string]*Record),
		terminal: make(map[string]*Record),
	}
}

func key(actorType, actorID string) string {
	return actorType + "/" + actorID
}

// ActiveMigrationCount returns the current number of in-flight
// migrations.
func (c *Coordinator) ActiveMigrationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.inFlight)
}

// GetRecord returns the most recent migration record for an actor, in
// flight or terminal.
func (c *Coordinator) GetRecord(actorType, actorID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(actorType, actorID)
	if r, ok := c.inFlight[k]; ok {
		return *r, true
	}
	if r, ok := c.terminal[k]; ok {
		return *r, true
	}

	return Record{}, false
}

// MigrateActor executes the full drain -> transfer -> activate -> relocate
// -> update-directory -> deactivate-locally pipeline for one actor.
// A second concurrent call for the same actor fails
// immediately with quarkerr.ErrMigrationInProgress, enforcing at most one
// in-flight migration per actor.
func (c *Coordinator) MigrateActor(ctx context.Context, actorType, actorID, targetSiloID string) (Record, error) {
	k := key(actorType, actorID)

	c.mu.Lock()
	if _, busy := c.inFlight[k]; busy {
		c.mu.Unlock()
		return Record{}, quarkerr.ErrMigrationInProgress
	}

	rec := &Record{
		ActorID:      actorID,
		ActorType:    actorType,
		SourceSiloID: c.cfg.SourceSiloID,
		TargetSiloID: targetSiloID,
		Status:       StatusInProgress,
	}
	c.inFlight[k] = rec
	c.mu.Unlock()

	result := c.run(ctx, actorType, actorID, targetSiloID)

	c.mu.Lock()
	delete(c.inFlight, k)
	c.terminal[k] = &result
	c.mu.Unlock()

	return result, nil
}

func (c *Coordinator) run(ctx context.Context, actorType, actorID, targetSiloID string) Record {
	fail := func(stage string, err error) Record {
		log.WarnS(ctx, "Migration failed", err, "actor_id", actorID, "stage", stage)

		return Record{
			ActorID: actorID, ActorType: actorType,
			SourceSiloID: c.cfg.SourceSiloID, TargetSiloID: targetSiloID,
			Status: StatusFailed, Error: err.Error(),
		}
	}

	mb, ok := c.cfg.Activation.Mailbox(actorType, actorID)
	if !ok {
		return fail("begin_drain", errNoActivation(actorType, actorID))
	}

	mb.BeginDrain()

	if !c.waitForDrain(ctx, actorType, actorID, mb, 30*time.Second) {
		return fail("wait_for_drain", errDrainTimeout(actorType, actorID))
	}

	state, err := c.cfg.Activation.SnapshotState(ctx, actorType, actorID)
	if err != nil {
		return fail("snapshot_state", err)
	}

	if err := c.cfg.Activation.TransferState(ctx, actorType, actorID, targetSiloID, state); err != nil {
		return fail("transfer_state", err)
	}

	if err := c.cfg.Activation.ActivateOnTarget(ctx, actorType, actorID, targetSiloID); err != nil {
		return fail("activate_on_target", err)
	}

	if err := c.relocateReminders(ctx, actorID); err != nil {
		return fail("relocate_reminders", err)
	}

	if err := c.cfg.Directory.Register(ctx, actorType, actorID, targetSiloID, 0); err != nil {
		return fail("update_directory", err)
	}

	c.cfg.Activation.DeactivateLocal(ctx, actorType, actorID)

	if c.cfg.Router != nil {
		c.cfg.Router.InvalidateCache(actorType, actorID)
	}

	log.InfoS(ctx, "Migration completed", "actor_id", actorID,
		"source_silo", c.cfg.SourceSiloID, "target_silo", targetSiloID)

	return Record{
		ActorID: actorID, ActorType: actorType,
		SourceSiloID: c.cfg.SourceSiloID, TargetSiloID: targetSiloID,
		Status: StatusCompleted,
	}
}

// waitForDrain polls until the mailbox is empty and the activation has no
// calls still executing, or timeout elapses.
func (c *Coordinator) waitForDrain(ctx context.Context, actorType, actorID string, mb Mailbox, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.cfg.DrainPollInterval)
	defer ticker.Stop()

	for {
		if mb.MessageCount() == 0 &&
			c.cfg.Activation.ActiveCallCount(actorType, actorID) == 0 {

			return true
		}
		if time.Now().After(deadline) {
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// relocateReminders re-registers actorID's reminders unchanged; their
// NextFireTime/Period survive verbatim, and the reminder tick manager's
// hash-ring ownership check (not this coordinator) determines which silo
// now fires them.
func (c *Coordinator) relocateReminders(ctx context.Context, actorID string) error {
	if c.cfg.Reminders == nil {
		return nil
	}

	reminders, err := c.cfg.Reminders.GetReminders(ctx, actorID)
	if err != nil {
		return err
	}

	for _, r := range reminders {
		if err := c.cfg.Reminders.Register(ctx, r); err != nil {
			return err
		}
	}

	return nil
}
