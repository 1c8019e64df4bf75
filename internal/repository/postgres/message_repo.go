package postgres

import (
	"context"
	"time"

	"github.com/and161185/offline-keeper/internal/model"
	"github.com/and161185/offline-keeper/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MessageRepo implements MessageRepository using PostgreSQL.
type MessageRepo struct{ db *DB }

var _ repository.MessageRepository = (*MessageRepo)(nil)

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

const (
	messageCols = `id, sender_hash, recipient_hash, sender_jid, recipient_jid, payload, category, stored_at, expires_at, updated_at`

	insertSQL = `
INSERT INTO offline_messages (id, sender_hash, recipient_hash, sender_jid, recipient_jid, payload, category, stored_at, expires_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$8)`

	countPairSQL = `SELECT COUNT(*) FROM offline_messages WHERE sender_hash=$1 AND recipient_hash=$2`
)

// Insert appends a message row.
func (r *MessageRepo) Insert(ctx context.Context, m *model.Message) error {
	_, err := r.db.Pool.Exec(ctx, insertSQL, insertArgs(m)...)
	return err
}

// InsertWithinQuota serializes writers of one pair with a transaction-scoped advisory lock,
// then counts and inserts inside the same transaction.
func (r *MessageRepo) InsertWithinQuota(ctx context.Context, m *model.Message, limit int) (bool, error) {
	var inserted bool
	err := r.db.inTx(ctx, func(tx pgx.Tx) error {
		const lock = `SELECT pg_advisory_xact_lock($1)`
		if _, err := tx.Exec(ctx, lock, pairLockKey(m.SenderHash, m.RecipientHash)); err != nil {
			return err
		}
		var n int64
		if err := tx.QueryRow(ctx, countPairSQL, m.SenderHash, m.RecipientHash).Scan(&n); err != nil {
			return err
		}
		if n >= int64(limit) {
			return nil
		}
		if _, err := tx.Exec(ctx, insertSQL, insertArgs(m)...); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func insertArgs(m *model.Message) []any {
	return []any{
		m.ID, m.SenderHash, m.RecipientHash, m.Sender, m.Recipient,
		m.Payload, string(m.Category), m.StoredAt, m.ExpiresAt,
	}
}

// CountFor returns the exact row count for a sender/recipient pair.
func (r *MessageRepo) CountFor(ctx context.Context, senderHash, recipientHash []byte) (int64, error) {
	var n int64
	if err := r.db.Pool.QueryRow(ctx, countPairSQL, senderHash, recipientHash).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// FindByRecipient pages through a recipient's rows with a (stored_at, id) keyset cursor.
func (r *MessageRepo) FindByRecipient(ctx context.Context, q repository.RecipientQuery, fn func([]model.Message) error) error {
	const page = `
SELECT ` + messageCols + `
FROM offline_messages
WHERE recipient_hash=$1 AND (stored_at, id) > ($2, $3)
ORDER BY stored_at, id
LIMIT $4`
	const pageByIDs = `
SELECT ` + messageCols + `
FROM offline_messages
WHERE recipient_hash=$1 AND (stored_at, id) > ($2, $3) AND id = ANY($5::uuid[])
ORDER BY stored_at, id
LIMIT $4`

	if q.IDs != nil && len(q.IDs) == 0 {
		return nil
	}
	size := q.BatchSize
	if size <= 0 {
		size = repository.DefaultBatchSize
	}

	var (
		afterTS time.Time
		afterID uuid.UUID
	)
	for {
		var (
			rows pgx.Rows
			err  error
		)
		if q.IDs == nil {
			rows, err = r.db.Pool.Query(ctx, page, q.RecipientHash, afterTS, afterID, size)
		} else {
			rows, err = r.db.Pool.Query(ctx, pageByIDs, q.RecipientHash, afterTS, afterID, size, q.IDs)
		}
		if err != nil {
			return err
		}
		batch, err := collectMessages(rows)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < size {
			return nil
		}
		last := batch[len(batch)-1]
		afterTS, afterID = last.StoredAt, last.ID
	}
}

func collectMessages(rows pgx.Rows) ([]model.Message, error) {
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m   model.Message
			cat string
		)
		if err := rows.Scan(&m.ID, &m.SenderHash, &m.RecipientHash, &m.Sender, &m.Recipient,
			&m.Payload, &cat, &m.StoredAt, &m.ExpiresAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Category = model.Category(cat)
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindExpiring returns the soonest-expiring rows not in q.Exclude.
func (r *MessageRepo) FindExpiring(ctx context.Context, q repository.ExpiryQuery) ([]model.ExpiryEntry, error) {
	const all = `
SELECT id, sender_jid, recipient_jid, payload, expires_at
FROM offline_messages
WHERE expires_at IS NOT NULL AND NOT (id = ANY($1::uuid[]))
ORDER BY expires_at, id
LIMIT $2`
	const before = `
SELECT id, sender_jid, recipient_jid, payload, expires_at
FROM offline_messages
WHERE expires_at < $1 AND NOT (id = ANY($2::uuid[]))
ORDER BY expires_at, id
LIMIT $3`

	var (
		rows pgx.Rows
		err  error
	)
	if q.Before.IsZero() {
		rows, err = r.db.Pool.Query(ctx, all, idArray(q.Exclude), q.Limit)
	} else {
		rows, err = r.db.Pool.Query(ctx, before, q.Before, idArray(q.Exclude), q.Limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ExpiryEntry, 0, q.Limit)
	for rows.Next() {
		var e model.ExpiryEntry
		if err = rows.Scan(&e.ID, &e.Sender, &e.Recipient, &e.Payload, &e.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EarliestExpiry probes for an unloaded row expiring before the given time.
func (r *MessageRepo) EarliestExpiry(ctx context.Context, before time.Time, exclude []uuid.UUID) (time.Time, bool, error) {
	const q = `SELECT MIN(expires_at) FROM offline_messages WHERE expires_at < $1 AND NOT (id = ANY($2::uuid[]))`
	var ts *time.Time
	if err := r.db.Pool.QueryRow(ctx, q, before, idArray(exclude)).Scan(&ts); err != nil {
		return time.Time{}, false, err
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

// DeleteByID removes a row by id.
func (r *MessageRepo) DeleteByID(ctx context.Context, id uuid.UUID) (int64, error) {
	const q = `DELETE FROM offline_messages WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteByRecipient removes a recipient's rows, optionally restricted to ids.
func (r *MessageRepo) DeleteByRecipient(ctx context.Context, recipientHash []byte, ids []uuid.UUID) (int64, error) {
	const all = `DELETE FROM offline_messages WHERE recipient_hash=$1`
	const byIDs = `DELETE FROM offline_messages WHERE recipient_hash=$1 AND id = ANY($2::uuid[])`

	if ids != nil && len(ids) == 0 {
		return 0, nil
	}
	var (
		tag pgconn.CommandTag
		err error
	)
	if ids == nil {
		tag, err = r.db.Pool.Exec(ctx, all, recipientHash)
	} else {
		tag, err = r.db.Pool.Exec(ctx, byIDs, recipientHash, ids)
	}
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredBefore purges rows whose expiry passed before t.
func (r *MessageRepo) DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error) {
	const q = `DELETE FROM offline_messages WHERE expires_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, t)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountByCategory tallies a recipient's live rows per category.
func (r *MessageRepo) CountByCategory(ctx context.Context, recipientHash []byte, now time.Time) (map[model.Category]int64, error) {
	const q = `
SELECT category, COUNT(*)
FROM offline_messages
WHERE recipient_hash=$1 AND (expires_at IS NULL OR expires_at > $2)
GROUP BY category`
	rows, err := r.db.Pool.Query(ctx, q, recipientHash, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[model.Category]int64)
	for rows.Next() {
		var (
			cat string
			n   int64
		)
		if err = rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		out[model.Category(cat)] = n
	}
	return out, rows.Err()
}

// ScanIdentities pages through all rows by id for hash migration.
func (r *MessageRepo) ScanIdentities(ctx context.Context, afterID uuid.UUID, limit int) ([]model.Message, error) {
	const q = `
SELECT id, sender_jid, recipient_jid, sender_hash, recipient_hash, updated_at
FROM offline_messages
WHERE id > $1
ORDER BY id
LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, q, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err = rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.SenderHash, &m.RecipientHash, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateHashes rewrites one row's hashes.
func (r *MessageRepo) UpdateHashes(ctx context.Context, id uuid.UUID, senderHash, recipientHash []byte) error {
	const q = `UPDATE offline_messages SET sender_hash=$2, recipient_hash=$3, updated_at=now() WHERE id=$1`
	_, err := r.db.Pool.Exec(ctx, q, id, senderHash, recipientHash)
	return err
}
