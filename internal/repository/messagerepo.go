// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/offline-keeper/internal/model"
	"github.com/gofrs/uuid/v5"
)

// DefaultBatchSize bounds one page of a streamed recipient read.
const DefaultBatchSize = 100

// RecipientQuery selects a recipient's messages.
type RecipientQuery struct {
	RecipientHash []byte
	// IDs restricts the result; nil means all, an empty non-nil slice matches nothing.
	IDs       []uuid.UUID
	BatchSize int
}

// ExpiryQuery selects messages with an expiry, soonest first.
type ExpiryQuery struct {
	Before  time.Time   // zero: no ceiling
	Limit   int         // > 0
	Exclude []uuid.UUID // ids already held by the caller
}

// MessageRepository provides durable access to offline messages.
// All methods must be safe for concurrent use.
type MessageRepository interface {
	// Insert appends a message.
	Insert(ctx context.Context, m *model.Message) error

	// InsertWithinQuota inserts only if the sender/recipient pair holds fewer than limit records,
	// checking and inserting atomically. Returns false when the quota is met.
	InsertWithinQuota(ctx context.Context, m *model.Message, limit int) (bool, error)

	// CountFor returns the exact number of records (expired or not) for the pair.
	CountFor(ctx context.Context, senderHash, recipientHash []byte) (int64, error)

	// FindByRecipient streams matching records ordered by stored_at ASC, one batch per fn call.
	// Iteration stops at the first fn error, which is returned.
	FindByRecipient(ctx context.Context, q RecipientQuery, fn func([]model.Message) error) error

	// FindExpiring returns records with an expiry ordered by expires_at ASC.
	FindExpiring(ctx context.Context, q ExpiryQuery) ([]model.ExpiryEntry, error)

	// EarliestExpiry returns the smallest expiry strictly before the given time, ignoring exclude.
	EarliestExpiry(ctx context.Context, before time.Time, exclude []uuid.UUID) (time.Time, bool, error)

	// DeleteByID removes one record. A missing id deletes nothing and is not an error.
	DeleteByID(ctx context.Context, id uuid.UUID) (int64, error)

	// DeleteByRecipient removes a recipient's records, restricted to ids when non-nil.
	DeleteByRecipient(ctx context.Context, recipientHash []byte, ids []uuid.UUID) (int64, error)

	// DeleteExpiredBefore removes records whose expiry is before t.
	DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error)

	// CountByCategory tallies live (not expired at now) records per category.
	CountByCategory(ctx context.Context, recipientHash []byte, now time.Time) (map[model.Category]int64, error)

	// ScanIdentities returns up to limit records with id > afterID ordered by id,
	// carrying only id, display addresses, hashes and UpdatedAt.
	ScanIdentities(ctx context.Context, afterID uuid.UUID, limit int) ([]model.Message, error)

	// UpdateHashes rewrites the indexed hashes of one record and bumps its UpdatedAt.
	UpdateHashes(ctx context.Context, id uuid.UUID, senderHash, recipientHash []byte) error
}
