package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/quarkrt/quark/internal/quarkerr"
)

// SqliteStateStore is the sqlite-backed StateStore, schemaed on
// actor_state(actor_id, name, state, version).
type SqliteStateStore struct {
	store *SqliteStore
}

var _ StateStore = (*SqliteStateStore)(nil)

// Load implements StateStore.
func (s *SqliteStateStore) Load(ctx context.Context, actorID, name string) ([]byte, bool, error) {
	rec, ok, err := s.LoadWithVersion(ctx, actorID, name)
	if err != nil || !ok {
		return nil, ok, err
	}

	return rec.State, true, nil
}

// LoadWithVersion implements StateStore.
func (s *SqliteStateStore) LoadWithVersion(ctx context.Context, actorID, name string) (StateRecord, bool, error) {
	var rec StateRecord

	row := s.store.db.QueryRowContext(ctx, `
		SELECT state, version FROM actor_state WHERE actor_id = ? AND name = ?
	`, actorID, name)

	err := row.Scan(&rec.State, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return StateRecord{}, false, nil
	}
	if err != nil {
		return StateRecord{}, false, MapSQLError(err)
	}

	return rec, true, nil
}

// Save implements StateStore: an unconditional overwrite that always
// succeeds, bumping the stored version by one.
func (s *SqliteStateStore) Save(ctx context.Context, actorID, name string, state []byte) error {
	return s.store.tx.execTx(ctx, WriteTxOption(), func(tx *sql.Tx) error {
		return saveStateTx(ctx, tx, actorID, name, state, nil, false)
	})
}

// Delete implements StateStore.
func (s *SqliteStateStore) Delete(ctx context.Context, actorID, name string) error {
	return s.store.tx.execTx(ctx, WriteTxOption(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM actor_state WHERE actor_id = ? AND name = ?
		`, actorID, name)

		return err
	})
}

// SaveWithVersion implements StateStore.
func (s *SqliteStateStore) SaveWithVersion(ctx context.Context, actorID, name string,
	state []byte, expectedVersion *uint64,
) (uint64, error) {
	var newVersion uint64

	err := s.store.tx.execTx(ctx, WriteTxOption(), func(tx *sql.Tx) error {
		var actual uint64

		row := tx.QueryRowContext(ctx, `
			SELECT version FROM actor_state WHERE actor_id = ? AND name = ?
		`, actorID, name)

		err := row.Scan(&actual)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var expected uint64
		if expectedVersion != nil {
			expected = *expectedVersion
		}

		if expected != actual {
			return newConcurrencyConflict(expected, actual)
		}

		newVersion = actual + 1

		return saveStateTx(ctx, tx, actorID, name, state, &newVersion, true)
	})
	if err != nil {
		var conflict *quarkerr.ConcurrencyConflict
		if errors.As(err, &conflict) {
			return 0, conflict
		}

		return 0, err
	}

	return newVersion, nil
}

// saveStateTx performs the upsert. When version is non-nil it's used
// as-is (the caller has already validated it against the stored value);
// otherwise the version column is incremented relative to any existing
// row.
func saveStateTx(ctx context.Context, tx *sql.Tx, actorID, name string, state []byte,
	version *uint64, explicit bool,
) error {
	if explicit {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO actor_state (actor_id, name, state, version)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(actor_id, name) DO UPDATE SET
				state = excluded.state,
				version = excluded.version
		`, actorID, name, state, *version)

		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO actor_state (actor_id, name, state, version)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(actor_id, name) DO UPDATE SET
			state = excluded.state,
			version = actor_state.version + 1
	`, actorID, name, state)

	return err
}
