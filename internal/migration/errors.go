package migration

import "fmt"

func errNoActivation(actorType, actorID string) error {
	return fmt.Errorf("migration: no local activation for %s/%s", actorType, actorID)
}

func errDrainTimeout(actorType, actorID string) error {
	return fmt.Errorf("migration: timed out waiting for %s/%s to drain", actorType, actorID)
}
