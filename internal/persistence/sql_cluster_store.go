package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// SqliteClusterStore is the sqlite-backed ClusterStore, schemaed on
// cluster_kv(key, value, expires_at).
type SqliteClusterStore struct {
	store *SqliteStore
}

var _ ClusterStore = (*SqliteClusterStore)(nil)

// Put implements ClusterStore.
func (c *SqliteClusterStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(ttl).UnixNano(), Valid: true}
	}

	return c.store.tx.execTx(ctx, WriteTxOption(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cluster_kv (key, value, expires_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				expires_at = excluded.expires_at
		`, key, value, expiresAt)

		return err
	})
}

// Get implements ClusterStore.
func (c *SqliteClusterStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt sql.NullInt64
	)

	row := c.store.db.QueryRowContext(ctx, `
		SELECT value, expires_at FROM cluster_kv WHERE key = ?
	`, key)

	err := row.Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, MapSQLError(err)
	}

	if expiresAt.Valid && time.Now().UnixNano() > expiresAt.Int64 {
		return nil, false, nil
	}

	return value, true, nil
}

// Delete implements ClusterStore.
func (c *SqliteClusterStore) Delete(ctx context.Context, key string) error {
	return c.store.tx.execTx(ctx, WriteTxOption(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM cluster_kv WHERE key = ?`, key)
		return err
	})
}

// ScanPrefix implements ClusterStore.
func (c *SqliteClusterStore) ScanPrefix(ctx context.Context, prefix string) ([]KV, error) {
	escaped := strings.NewReplacer("%", "\\%", "_", "\\_").Replace(prefix)

	rows, err := c.store.db.QueryContext(ctx, `
		SELECT key, value, expires_at FROM cluster_kv
		WHERE key LIKE ? ESCAPE '\'
	`, escaped+"%")
	if err != nil {
		return nil, MapSQLError(err)
	}
	defer rows.Close()

	now := time.Now().UnixNano()

	var out []KV
	for rows.Next() {
		var (
			key       string
			value     []byte
			expiresAt sql.NullInt64
		)
		if err := rows.Scan(&key, &value, &expiresAt); err != nil {
			return nil, MapSQLError(err)
		}
		if expiresAt.Valid && now > expiresAt.Int64 {
			continue
		}

		out = append(out, KV{Key: key, Value: value})
	}

	return out, rows.Err()
}

// Watch implements ClusterStore with a polling fallback: since plain
// database/sql has no native change-notification mechanism, the returned
// channel ticks at a fixed interval rather than signaling exact write
// events. Callers must re-scan on each tick, which every consumer of this
// interface already does.
func (c *SqliteClusterStore) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch
}
