package errors

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"regexp"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// reKeyField extracts the column list from a unique violation detail: "Key (a, b)=(x, y) already exists.".
var reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)

// MapDBError maps PostgreSQL and SQLite driver errors to AppError instances.
//
//   - no rows → NotFound
//   - serialization failures, deadlocks, lock timeouts, SQLITE_BUSY/LOCKED → retryable Conflict
//   - unique violations → Conflict
//   - check and NOT NULL violations → Validation
//   - context deadline/cancellation → Timeout/Canceled
//   - connection failures → retryable Unavailable
//
// Unrecognized errors are returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{Code: ErrCodeTimeout, Message: "store operation timed out", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &AppError{Code: ErrCodeCanceled, Message: "store operation canceled", Cause: err}
	}
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return &AppError{Code: ErrCodeNotFound, Message: "record not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return &AppError{Code: ErrCodeUnavailable, Message: "store unavailable", Cause: err, Retryable: true}
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return mapSQLiteError(liteErr)
	}

	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch pgErr.Code {
	case pgerrcode.SerializationFailure,
		pgerrcode.DeadlockDetected,
		pgerrcode.LockNotAvailable:
		return RetryableConflict(pgErr, "concurrent update detected")
	case pgerrcode.UniqueViolation:
		field := pgErr.ColumnName
		if field == "" {
			if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
				field = m[1]
			}
		}
		// A unique race on the outstanding-job index resolves itself on retry.
		return &AppError{
			Code:      ErrCodeConflict,
			Message:   "an outstanding record with this key already exists",
			Field:     field,
			Cause:     pgErr,
			Retryable: true,
		}
	case pgerrcode.CheckViolation, pgerrcode.NotNullViolation:
		return &AppError{
			Code:    ErrCodeValidation,
			Message: "record violates a table constraint",
			Field:   pgErr.ColumnName,
			Cause:   pgErr,
		}
	default:
		return &AppError{
			Code:    ErrCodeInternal,
			Message: "a database error occurred",
			Cause:   pgErr,
		}
	}
}

func mapSQLiteError(liteErr *sqlite.Error) error {
	code := liteErr.Code()
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return RetryableConflict(liteErr, "database is busy")
	case sqlite3.SQLITE_CONSTRAINT:
		switch code {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return &AppError{
				Code:      ErrCodeConflict,
				Message:   "an outstanding record with this key already exists",
				Cause:     liteErr,
				Retryable: true,
			}
		default:
			return &AppError{
				Code:    ErrCodeValidation,
				Message: "record violates a table constraint",
				Cause:   liteErr,
			}
		}
	default:
		return &AppError{
			Code:    ErrCodeInternal,
			Message: "a database error occurred",
			Cause:   liteErr,
		}
	}
}
