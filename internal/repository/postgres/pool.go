// Package postgres stores offline messages in PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/and161185/offline-keeper/internal/errs"
)

// PgxPool is the part of *pgxpool.Pool the repositories use.
// pgxmock.PgxPoolIface satisfies it in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// DB is a handle shared by the message repository and the quota overrides.
type DB struct{ Pool PgxPool }

// Open builds a pool for dsn and checks that the server answers.
// maxConns <= 0 keeps the pgx default.
func Open(ctx context.Context, dsn string, maxConns int32) (*DB, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: database.dsn: %w", errs.ErrConfiguration, err)
	}
	if maxConns > 0 {
		pc.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrStorage, err)
	}
	db := &DB{Pool: pool}
	if err := db.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

// Ping wraps connectivity failures in errs.ErrStorage.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", errs.ErrStorage, err)
	}
	return nil
}

func (db *DB) Close() { db.Pool.Close() }

// inTx runs fn in a transaction. It commits when fn returns nil and rolls back otherwise.
func (db *DB) inTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pairLockKey derives a transaction advisory lock key for a sender/recipient pair.
func pairLockKey(senderHash, recipientHash []byte) int64 {
	h := fnv.New64a()
	_, _ = h.Write(senderHash)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(recipientHash)
	return int64(h.Sum64())
}

// idArray never returns nil: NULL in `id = ANY(...)` would filter every row.
func idArray(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
