package migration

import (
	"context"
	"fmt"

	"github.com/quarkrt/quark/internal/activitytracker"
	"github.com/quarkrt/quark/internal/envelope"
	"github.com/quarkrt/quark/internal/persistence"
	"github.com/quarkrt/quark/internal/silo"
)

// StateName is the state-store slot an activation's migratable state is
// kept under.
const StateName = "state"

// SiloController adapts a running *silo.Silo, its activity tracker, and
// the deployment's state store to the ActivationController interface the
// Coordinator drives.
//
// Transfer semantics: every silo in a deployment shares one StateStore,
// so TransferState persists the snapshot rather than streaming bytes
// peer-to-peer. ActivateOnTarget then sends the reserved activation
// envelope (silo.ActivateMethod) so the target instantiates the actor,
// loading that state, before the coordinator flips the directory.
type SiloController struct {
	Silo      *silo.Silo
	Activity  *activitytracker.Tracker
	States    persistence.StateStore
	Transport silo.Transport
}

var _ ActivationController = (*SiloController)(nil)

// Mailbox implements ActivationController.
func (c *SiloController) Mailbox(actorType, actorID string) (Mailbox, bool) {
	a, ok := c.Silo.GetActivation(actorType, actorID)
	if !ok {
		return nil, false
	}

	return a.Mailbox, true
}

// ActiveCallCount implements ActivationController via the activity
// tracker's per-actor call counter.
func (c *SiloController) ActiveCallCount(actorType, actorID string) int64 {
	if c.Activity == nil {
		return 0
	}

	m, ok := c.Activity.GetActivityMetrics(actorType, actorID)
	if !ok {
		return 0
	}

	return m.ActiveCallCount
}

// SnapshotState implements ActivationController. An actor with no
// persisted state migrates with a nil snapshot.
func (c *SiloController) SnapshotState(ctx context.Context, actorType, actorID string) ([]byte, error) {
	if c.States == nil {
		return nil, nil
	}

	state, ok, err := c.States.Load(ctx, actorID, StateName)
	if err != nil || !ok {
		return nil, err
	}

	return state, nil
}

// TransferState implements ActivationController by persisting the
// snapshot to the shared state store, where the target silo's activation
// will load it from.
func (c *SiloController) TransferState(ctx context.Context, actorType, actorID, targetSiloID string, state []byte) error {
	if c.States == nil || state == nil {
		return nil
	}

	return c.States.Save(ctx, actorID, StateName, state)
}

// ActivateOnTarget implements ActivationController by sending the
// reserved activation envelope to the target silo and awaiting its reply.
func (c *SiloController) ActivateOnTarget(ctx context.Context, actorType, actorID, targetSiloID string) error {
	env := envelope.NewRequest(actorType, actorID, silo.ActivateMethod, nil)

	resp, err := c.Transport.Send(ctx, targetSiloID, env)
	if err != nil {
		return err
	}
	if resp.IsError {
		return fmt.Errorf(
			"failed to activate %s/%s on silo %s: %s",
			actorType, actorID, targetSiloID, resp.ErrorMessage,
		)
	}

	return nil
}

// DeactivateLocal implements ActivationController.
func (c *SiloController) DeactivateLocal(ctx context.Context, actorType, actorID string) {
	c.Silo.Deactivate(ctx, actorType, actorID)
}
