package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapDBError_NilError(t *testing.T) {
	if err := MapDBError(nil); err != nil {
		t.Errorf("MapDBError(nil) = %v, want nil", err)
	}
}

func TestMapDBError_ContextErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{name: "deadline exceeded", err: context.DeadlineExceeded, wantCode: ErrCodeTimeout},
		{name: "canceled", err: fmt.Errorf("query: %w", context.Canceled), wantCode: ErrCodeCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(tt.err)
			if got := GetCode(err); got != tt.wantCode {
				t.Errorf("MapDBError() code = %v, want %v", got, tt.wantCode)
			}
			if IsRetryable(err) {
				t.Errorf("context errors must not be retryable")
			}
		})
	}
}

func TestMapDBError_NoRows(t *testing.T) {
	for _, src := range []error{pgx.ErrNoRows, sql.ErrNoRows} {
		if err := MapDBError(src); !IsNotFound(err) {
			t.Errorf("MapDBError(%v) should be NotFound, got %v", src, GetCode(err))
		}
	}
}

func TestMapDBError_PgErrors(t *testing.T) {
	tests := []struct {
		name          string
		pgErr         *pgconn.PgError
		wantCode      ErrorCode
		wantRetryable bool
		wantField     string
	}{
		{
			name:          "serialization failure",
			pgErr:         &pgconn.PgError{Code: pgerrcode.SerializationFailure},
			wantCode:      ErrCodeConflict,
			wantRetryable: true,
		},
		{
			name:          "deadlock",
			pgErr:         &pgconn.PgError{Code: pgerrcode.DeadlockDetected},
			wantCode:      ErrCodeConflict,
			wantRetryable: true,
		},
		{
			name:          "lock not available",
			pgErr:         &pgconn.PgError{Code: pgerrcode.LockNotAvailable},
			wantCode:      ErrCodeConflict,
			wantRetryable: true,
		},
		{
			name: "unique violation parses detail",
			pgErr: &pgconn.PgError{
				Code:   pgerrcode.UniqueViolation,
				Detail: "Key (collection_id, path)=(c1, a.tif) already exists.",
			},
			wantCode:      ErrCodeConflict,
			wantRetryable: true,
			wantField:     "collection_id, path",
		},
		{
			name:      "not null violation",
			pgErr:     &pgconn.PgError{Code: pgerrcode.NotNullViolation, ColumnName: "path"},
			wantCode:  ErrCodeValidation,
			wantField: "path",
		},
		{
			name:     "check violation",
			pgErr:    &pgconn.PgError{Code: pgerrcode.CheckViolation},
			wantCode: ErrCodeValidation,
		},
		{
			name:     "unknown",
			pgErr:    &pgconn.PgError{Code: pgerrcode.DiskFull},
			wantCode: ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MapDBError(fmt.Errorf("exec: %w", tt.pgErr))
			if got := GetCode(err); got != tt.wantCode {
				t.Errorf("code = %v, want %v", got, tt.wantCode)
			}
			if got := IsRetryable(err); got != tt.wantRetryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.wantRetryable)
			}
			var appErr *AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected AppError, got %T", err)
			}
			if appErr.Field != tt.wantField {
				t.Errorf("field = %q, want %q", appErr.Field, tt.wantField)
			}
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) {
				t.Errorf("mapped error should still unwrap to the PgError")
			}
		})
	}
}

func TestMapDBError_StandardError(t *testing.T) {
	orig := errors.New("plain failure")
	if err := MapDBError(orig); !errors.Is(err, orig) || GetCode(err) != "" {
		t.Errorf("MapDBError should return unrecognized errors unchanged, got %v", err)
	}
}

func TestMapDBError_ConnectionFailure(t *testing.T) {
	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	err := MapDBError(fmt.Errorf("connect: %w", dial))
	if GetCode(err) != ErrCodeUnavailable {
		t.Errorf("MapDBError() code = %v, want %v", GetCode(err), ErrCodeUnavailable)
	}
	if !IsRetryable(err) {
		t.Errorf("connection failures must be retryable")
	}
	if !errors.Is(err, dial) {
		t.Errorf("mapped error should unwrap to the dial error")
	}
}
