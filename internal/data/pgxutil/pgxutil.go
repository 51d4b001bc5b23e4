// Package pgxutil bridges database/sql pools opened with the pgx stdlib driver
// to native pgx transactions and LISTEN/NOTIFY.
package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

var errNotPgx = errors.New("unexpected driver connection type; expected *stdlib.Conn")

// SQLTxConfig groups parameters for WithSQLTx.
type SQLTxConfig struct {
	Opts *sql.TxOptions
	Fn   func(*sql.Tx) error
}

// TxConfig groups parameters for WithPgxTx.
type TxConfig struct {
	Opts *sql.TxOptions
	Fn   func(pgx.Tx) error
}

// WithSQLTx runs cfg.Fn inside a database/sql transaction and commits when it returns nil.
func WithSQLTx(ctx context.Context, db *sql.DB, cfg SQLTxConfig) (err error) {
	tx, err := db.BeginTx(ctx, cfg.Opts)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
	}()
	if err = cfg.Fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// WithPgxTx runs cfg.Fn inside a native pgx transaction on a pooled connection.
func WithPgxTx(ctx context.Context, db *sql.DB, cfg TxConfig) error {
	return WithPgxConn(ctx, db, func(conn *pgx.Conn) error {
		tx, err := conn.BeginTx(ctx, txOptions(cfg.Opts))
		if err != nil {
			return fmt.Errorf("begin pgx tx: %w", err)
		}
		defer func() {
			// Rollback after commit returns ErrTxClosed; nothing to report either way.
			_ = tx.Rollback(ctx)
		}()
		if err := cfg.Fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit pgx tx: %w", err)
		}
		return nil
	})
}

// WithPgxConn pins one pooled connection and hands fn the underlying *pgx.Conn.
func WithPgxConn(ctx context.Context, db *sql.DB, fn func(*pgx.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	return conn.Raw(func(dc any) error {
		std, ok := dc.(*stdlib.Conn)
		if !ok {
			return errNotPgx
		}
		return fn(std.Conn())
	})
}

// WaitForNotification LISTENs on channel and blocks until one notification arrives or ctx ends.
// The connection is UNLISTENed before it returns to the pool.
func WaitForNotification(ctx context.Context, db *sql.DB, channel string) (*pgconn.Notification, error) {
	var n *pgconn.Notification
	err := WithPgxConn(ctx, db, func(conn *pgx.Conn) error {
		quoted := pgx.Identifier{channel}.Sanitize()
		if _, err := conn.Exec(ctx, "LISTEN "+quoted); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
		defer func() {
			_, _ = conn.Exec(context.WithoutCancel(ctx), "UNLISTEN "+quoted)
		}()

		var err error
		n, err = conn.WaitForNotification(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

func txOptions(opts *sql.TxOptions) pgx.TxOptions {
	var out pgx.TxOptions
	if opts == nil {
		return out
	}
	switch opts.Isolation {
	case sql.LevelSerializable, sql.LevelLinearizable:
		out.IsoLevel = pgx.Serializable
	case sql.LevelRepeatableRead, sql.LevelSnapshot:
		out.IsoLevel = pgx.RepeatableRead
	case sql.LevelReadCommitted, sql.LevelWriteCommitted:
		out.IsoLevel = pgx.ReadCommitted
	case sql.LevelReadUncommitted:
		out.IsoLevel = pgx.ReadUncommitted
	default:
		// server default
	}
	if opts.ReadOnly {
		out.AccessMode = pgx.ReadOnly
	} else {
		out.AccessMode = pgx.ReadWrite
	}
	return out
}
