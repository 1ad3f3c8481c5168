package persistence

import (
	"context"
	"database/sql"
	"math"
	prand "math/rand"
	"time"

	quarklog "github.com/quarkrt/quark/internal/log"
)

var txLog = quarklog.NewSubLogger("PSTX")

// TxOptions controls whether a transaction is read-only.
type TxOptions interface {
	ReadOnly() bool
}

type baseTxOptions struct {
	readOnly bool
}

func (o *baseTxOptions) ReadOnly() bool { return o.readOnly }

// ReadTxOption requests a read-only transaction.
func ReadTxOption() TxOptions { return &baseTxOptions{readOnly: true} }

// WriteTxOption requests a read/write transaction.
func WriteTxOption() TxOptions { return &baseTxOptions{readOnly: false} }

const (
	defaultNumTxRetries      = 10
	defaultInitialRetryDelay = 40 * time.Millisecond
	defaultMaxRetryDelay     = 3 * time.Second
)

// txExecutor wraps a *sql.DB with retry-on-serialization-error semantics,
// operating directly on *sql.Tx; each store type writes its own SQL
// rather than parameterizing over a generated query type.
type txExecutor struct {
	db *sql.DB

	numRetries        int
	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration
}

func newTxExecutor(db *sql.DB) *txExecutor {
	return &txExecutor{
		db:                db,
		numRetries:        defaultNumTxRetries,
		initialRetryDelay: defaultInitialRetryDelay,
		maxRetryDelay:     defaultMaxRetryDelay,
	}
}

func (t *txExecutor) randRetryDelay(attempt int) time.Duration {
	halfDelay := t.initialRetryDelay / 2
	randDelay := prand.Int63n(int64(t.initialRetryDelay)) //nolint:gosec

	initialDelay := halfDelay + time.Duration(randDelay)
	if attempt == 0 {
		return initialDelay
	}

	factor := time.Duration(math.Pow(2, math.Min(float64(attempt), 32)))
	//nolint:durationcheck
	actualDelay := initialDelay * factor

	if actualDelay > t.maxRetryDelay {
		return t.maxRetryDelay
	}

	return actualDelay
}

// execTx runs txBody inside a transaction, retrying on serialization or
// deadlock errors (SQLITE_BUSY / SQLITE_LOCKED) with jittered backoff.
func (t *txExecutor) execTx(ctx context.Context, opts TxOptions, txBody func(*sql.Tx) error) error {
	wait := func(attempt int) {
		delay := t.randRetryDelay(attempt)

		txLog.DebugS(ctx, "Retrying transaction after serialization conflict",
			"attempt", attempt, "delay", delay)

		time.Sleep(delay)
	}

	for i := 0; i < t.numRetries; i++ {
		tx, err := t.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: opts.ReadOnly()})
		if err != nil {
			dbErr := MapSQLError(err)
			if IsSerializationOrDeadlockError(dbErr) {
				wait(i)
				continue
			}

			return dbErr
		}

		defer func() {
			_ = tx.Rollback()
		}()

		if err := txBody(tx); err != nil {
			dbErr := MapSQLError(err)
			if IsSerializationOrDeadlockError(dbErr) {
				_ = tx.Rollback()
				wait(i)
				continue
			}

			return dbErr
		}

		if err := tx.Commit(); err != nil {
			dbErr := MapSQLError(err)
			if IsSerializationOrDeadlockError(dbErr) {
				_ = tx.Rollback()
				wait(i)
				continue
			}

			return dbErr
		}

		return nil
	}

	return ErrRetriesExceeded
}
