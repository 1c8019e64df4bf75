package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Hasher maps an address to its index key.
type Hasher interface {
	Sum(addr string) []byte
}

// PG is a PostgreSQL-backed LimitProvider with per-recipient overrides and a default.
type PG struct {
	pool   pgxQuerier
	hasher Hasher
	def    int
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limit provider.
func NewPG(pool *pgxpool.Pool, h Hasher, defaultLimit int) *PG {
	return &PG{pool: pool, hasher: h, def: defaultLimit}
}

// NewPGWithQuerier constructs a PostgreSQL-backed limit provider over any querier.
func NewPGWithQuerier(q pgxQuerier, h Hasher, defaultLimit int) *PG {
	return &PG{pool: q, hasher: h, def: defaultLimit}
}

// LimitFor returns the recipient's override or the default.
func (p *PG) LimitFor(ctx context.Context, recipient string) (int, error) {
	const q = `SELECT max_messages FROM offline_quotas WHERE recipient_hash=$1`
	var limit int
	err := p.pool.QueryRow(ctx, q, p.hasher.Sum(recipient)).Scan(&limit)
	switch {
	case err == nil:
		return limit, nil
	case errors.Is(err, pgx.ErrNoRows):
		return p.def, nil
	default:
		return 0, err
	}
}

// SetLimit stores an override for the recipient.
func (p *PG) SetLimit(ctx context.Context, recipient string, limit int) error {
	const q = `
INSERT INTO offline_quotas (recipient_hash, max_messages, updated_at)
VALUES ($1,$2,now())
ON CONFLICT (recipient_hash)
DO UPDATE SET max_messages=EXCLUDED.max_messages, updated_at=now()`
	if _, err := p.pool.Exec(ctx, q, p.hasher.Sum(recipient), limit); err != nil {
		return fmt.Errorf("set limit: %w", err)
	}
	return nil
}

// ClearLimit drops the recipient's override so the default applies again.
func (p *PG) ClearLimit(ctx context.Context, recipient string) error {
	const q = `DELETE FROM offline_quotas WHERE recipient_hash=$1`
	if _, err := p.pool.Exec(ctx, q, p.hasher.Sum(recipient)); err != nil {
		return fmt.Errorf("clear limit: %w", err)
	}
	return nil
}
