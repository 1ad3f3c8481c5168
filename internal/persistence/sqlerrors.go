package persistence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// ErrRetriesExceeded is returned when a transaction is retried more than
// the max allowed number of times without success.
var ErrRetriesExceeded = errors.New("persistence: tx retries exceeded")

// MapSQLError attempts to interpret a given error as a database-agnostic
// SQL error.
func MapSQLError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return parseSqliteError(sqliteErr)
	}

	return err
}

func parseSqliteError(sqliteErr sqlite3.Error) error {
	switch sqliteErr.Code {
	case sqlite3.ErrConstraint:
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {

			return &ErrSQLUniqueConstraintViolation{DBError: sqliteErr}
		}

		return fmt.Errorf("sqlite constraint error: %w", sqliteErr)

	case sqlite3.ErrBusy:
		return &ErrSerializationError{DBError: sqliteErr}

	case sqlite3.ErrLocked:
		return &ErrDeadlockError{DBError: sqliteErr}

	case sqlite3.ErrError:
		errMsg := sqliteErr.Error()

		if strings.Contains(errMsg, "no such table") {
			return &ErrSchemaError{DBError: sqliteErr}
		}

		return fmt.Errorf("unknown sqlite error: %w", sqliteErr)

	default:
		return fmt.Errorf("unknown sqlite error: %w", sqliteErr)
	}
}

// ErrSQLUniqueConstraintViolation represents a database-agnostic unique
// constraint violation.
type ErrSQLUniqueConstraintViolation struct {
	DBError error
}

func (e *ErrSQLUniqueConstraintViolation) Error() string {
	return fmt.Sprintf("sql unique constraint violation: %v", e.DBError)
}

func (e *ErrSQLUniqueConstraintViolation) Unwrap() error {
	return e.DBError
}

// ErrSerializationError represents a transaction that couldn't be
// serialized with other concurrent transactions and should be retried.
type ErrSerializationError struct {
	DBError error
}

func (e *ErrSerializationError) Unwrap() error {
	return e.DBError
}

func (e *ErrSerializationError) Error() string {
	return e.DBError.Error()
}

// ErrDeadlockError represents a cyclic lock-acquisition conflict.
type ErrDeadlockError struct {
	DBError error
}

func (e *ErrDeadlockError) Unwrap() error {
	return e.DBError
}

func (e *ErrDeadlockError) Error() string {
	return e.DBError.Error()
}

// IsSerializationError reports whether err is a serialization error.
func IsSerializationError(err error) bool {
	var e *ErrSerializationError
	return errors.As(err, &e)
}

// IsDeadlockError reports whether err is a deadlock error.
func IsDeadlockError(err error) bool {
	var e *ErrDeadlockError
	return errors.As(err, &e)
}

// IsSerializationOrDeadlockError reports whether err is either kind of
// retryable conflict.
func IsSerializationOrDeadlockError(err error) bool {
	return IsDeadlockError(err) || IsSerializationError(err)
}

// ErrSchemaError represents a query issued against a database whose
// schema doesn't match (most commonly: migrations haven't run).
type ErrSchemaError struct {
	DBError error
}

func (e *ErrSchemaError) Unwrap() error {
	return e.DBError
}

func (e *ErrSchemaError) Error() string {
	return e.DBError.Error()
}

// IsSchemaError reports whether err is a schema error.
func IsSchemaError(err error) bool {
	var e *ErrSchemaError
	return errors.As(err, &e)
}
