package persistence

import (
	"context"
	"database/sql"
	"time"
)

// SqliteReminderTable is the sqlite-backed ReminderTable, schemaed on
// reminders(actor_id, actor_type, name, next_fire_time, period_ns,
// last_fired_at).
type SqliteReminderTable struct {
	store *SqliteStore
}

var _ ReminderTable = (*SqliteReminderTable)(nil)

// Register implements ReminderTable.
func (r *SqliteReminderTable) Register(ctx context.Context, rem Reminder) error {
	var lastFired sql.NullInt64
	if rem.LastFiredSet {
		lastFired = sql.NullInt64{Int64: rem.LastFiredAt.UnixNano(), Valid: true}
	}

	return r.store.tx.execTx(ctx, WriteTxOption(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reminders
				(actor_id, actor_type, name, next_fire_time, period_ns, last_fired_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(actor_id, name) DO UPDATE SET
				actor_type = excluded.actor_type,
				next_fire_time = excluded.next_fire_time,
				period_ns = excluded.period_ns,
				last_fired_at = excluded.last_fired_at
		`, rem.ActorID, rem.ActorType, rem.Name, rem.NextFireTime.UnixNano(),
			int64(rem.Period), lastFired)

		return err
	})
}

// Unregister implements ReminderTable.
func (r *SqliteReminderTable) Unregister(ctx context.Context, actorID, name string) error {
	return r.store.tx.execTx(ctx, WriteTxOption(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM reminders WHERE actor_id = ? AND name = ?
		`, actorID, name)

		return err
	})
}

// GetReminders implements ReminderTable.
func (r *SqliteReminderTable) GetReminders(ctx context.Context, actorID string) ([]Reminder, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT actor_id, actor_type, name, next_fire_time, period_ns, last_fired_at
		FROM reminders WHERE actor_id = ?
	`, actorID)
	if err != nil {
		return nil, MapSQLError(err)
	}
	defer rows.Close()

	return scanReminders(rows)
}

// GetDueRemindersForSilo implements ReminderTable. The ownership filter is
// applied in Go rather than SQL, since ring ownership isn't expressible as
// a predicate over this table's columns alone.
func (r *SqliteReminderTable) GetDueRemindersForSilo(ctx context.Context, now time.Time,
	filter OwnerFilter,
) ([]Reminder, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT actor_id, actor_type, name, next_fire_time, period_ns, last_fired_at
		FROM reminders WHERE next_fire_time <= ?
	`, now.UnixNano())
	if err != nil {
		return nil, MapSQLError(err)
	}
	defer rows.Close()

	due, err := scanReminders(rows)
	if err != nil {
		return nil, err
	}

	if filter == nil {
		return due, nil
	}

	owned := due[:0]
	for _, rem := range due {
		if filter(rem.ActorType, rem.ActorID) {
			owned = append(owned, rem)
		}
	}

	return owned, nil
}

// UpdateFireTime implements ReminderTable.
func (r *SqliteReminderTable) UpdateFireTime(ctx context.Context, actorID, name string,
	lastFired, nextFire time.Time,
) error {
	return r.store.tx.execTx(ctx, WriteTxOption(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE reminders
			SET last_fired_at = ?, next_fire_time = ?
			WHERE actor_id = ? AND name = ?
		`, lastFired.UnixNano(), nextFire.UnixNano(), actorID, name)

		return err
	})
}

func scanReminders(rows *sql.Rows) ([]Reminder, error) {
	var out []Reminder
	for rows.Next() {
		var (
			rem          Reminder
			nextFireNano int64
			periodNano   int64
			lastFired    sql.NullInt64
		)

		if err := rows.Scan(&rem.ActorID, &rem.ActorType, &rem.Name,
			&nextFireNano, &periodNano, &lastFired); err != nil {
			return nil, MapSQLError(err)
		}

		rem.NextFireTime = time.Unix(0, nextFireNano)
		rem.Period = time.Duration(periodNano)
		if lastFired.Valid {
			rem.LastFiredAt = time.Unix(0, lastFired.Int64)
			rem.LastFiredSet = true
		}

		out = append(out, rem)
	}

	return out, rows.Err()
}
