package persistence

import "github.com/quarkrt/quark/internal/quarkerr"

// newConcurrencyConflict builds the shared error SaveWithVersion returns
// across every implementation when the caller's expected version doesn't
// match what's stored.
func newConcurrencyConflict(expected, actual uint64) error {
	return &quarkerr.ConcurrencyConflict{Expected: expected, Actual: actual}
}
