// Package memory is an in-process MessageRepository for tests and DB-less runs.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/and161185/offline-keeper/internal/model"
	"github.com/and161185/offline-keeper/internal/repository"
	"github.com/gofrs/uuid/v5"
)

// MessageRepo keeps messages in a map guarded by a single mutex.
// Every operation observes the same snapshot semantics as the postgres engine.
type MessageRepo struct {
	mu    sync.Mutex
	msgs  map[uuid.UUID]model.Message
	clock func() time.Time
}

var _ repository.MessageRepository = (*MessageRepo)(nil)

// NewMessageRepo constructs an empty repository. A nil clock uses time.Now.
func NewMessageRepo(clock func() time.Time) *MessageRepo {
	if clock == nil {
		clock = time.Now
	}
	return &MessageRepo{msgs: make(map[uuid.UUID]model.Message), clock: clock}
}

// Insert stores a copy of m.
func (r *MessageRepo) Insert(ctx context.Context, m *model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(m)
	return nil
}

func (r *MessageRepo) insertLocked(m *model.Message) {
	c := clone(*m)
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.StoredAt
	}
	r.msgs[c.ID] = c
}

// InsertWithinQuota counts and inserts under the repository lock.
func (r *MessageRepo) InsertWithinQuota(ctx context.Context, m *model.Message, limit int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.countLocked(m.SenderHash, m.RecipientHash) >= int64(limit) {
		return false, nil
	}
	r.insertLocked(m)
	return true, nil
}

// CountFor counts every record of the pair, expired or not.
func (r *MessageRepo) CountFor(ctx context.Context, senderHash, recipientHash []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countLocked(senderHash, recipientHash), nil
}

func (r *MessageRepo) countLocked(senderHash, recipientHash []byte) int64 {
	var n int64
	for _, m := range r.msgs {
		if bytes.Equal(m.SenderHash, senderHash) && bytes.Equal(m.RecipientHash, recipientHash) {
			n++
		}
	}
	return n
}

// FindByRecipient snapshots matching records and hands them to fn in batches.
func (r *MessageRepo) FindByRecipient(ctx context.Context, q repository.RecipientQuery, fn func([]model.Message) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	size := q.BatchSize
	if size <= 0 {
		size = repository.DefaultBatchSize
	}
	want := idSet(q.IDs)

	r.mu.Lock()
	var all []model.Message
	for _, m := range r.msgs {
		if !bytes.Equal(m.RecipientHash, q.RecipientHash) {
			continue
		}
		if want != nil {
			if _, ok := want[m.ID]; !ok {
				continue
			}
		}
		all = append(all, clone(m))
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].StoredAt.Equal(all[j].StoredAt) {
			return all[i].StoredAt.Before(all[j].StoredAt)
		}
		return bytes.Compare(all[i].ID[:], all[j].ID[:]) < 0
	})
	for start := 0; start < len(all); start += size {
		end := min(start+size, len(all))
		if err := fn(all[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// FindExpiring returns the soonest-expiring records not excluded.
func (r *MessageRepo) FindExpiring(ctx context.Context, q repository.ExpiryQuery) ([]model.ExpiryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	skip := idSet(q.Exclude)

	r.mu.Lock()
	var out []model.ExpiryEntry
	for _, m := range r.msgs {
		e, ok := m.ExpiryEntry()
		if !ok {
			continue
		}
		if !q.Before.IsZero() && !e.ExpiresAt.Before(q.Before) {
			continue
		}
		if _, excluded := skip[e.ID]; excluded {
			continue
		}
		e.Payload = bytes.Clone(e.Payload)
		out = append(out, e)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// EarliestExpiry returns the smallest expiry before the given time among non-excluded records.
func (r *MessageRepo) EarliestExpiry(ctx context.Context, before time.Time, exclude []uuid.UUID) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	skip := idSet(exclude)

	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best  time.Time
		found bool
	)
	for _, m := range r.msgs {
		if m.ExpiresAt == nil || !m.ExpiresAt.Before(before) {
			continue
		}
		if _, excluded := skip[m.ID]; excluded {
			continue
		}
		if !found || m.ExpiresAt.Before(best) {
			best, found = *m.ExpiresAt, true
		}
	}
	return best, found, nil
}

// DeleteByID removes one record.
func (r *MessageRepo) DeleteByID(ctx context.Context, id uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.msgs[id]; !ok {
		return 0, nil
	}
	delete(r.msgs, id)
	return 1, nil
}

// DeleteByRecipient removes a recipient's records, restricted to ids when non-nil.
func (r *MessageRepo) DeleteByRecipient(ctx context.Context, recipientHash []byte, ids []uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	want := idSet(ids)

	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, m := range r.msgs {
		if !bytes.Equal(m.RecipientHash, recipientHash) {
			continue
		}
		if want != nil {
			if _, ok := want[id]; !ok {
				continue
			}
		}
		delete(r.msgs, id)
		n++
	}
	return n, nil
}

// DeleteExpiredBefore removes records whose expiry is before t.
func (r *MessageRepo) DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, m := range r.msgs {
		if m.ExpiresAt != nil && m.ExpiresAt.Before(t) {
			delete(r.msgs, id)
			n++
		}
	}
	return n, nil
}

// CountByCategory tallies live records per category.
func (r *MessageRepo) CountByCategory(ctx context.Context, recipientHash []byte, now time.Time) (map[model.Category]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[model.Category]int64)
	for _, m := range r.msgs {
		if bytes.Equal(m.RecipientHash, recipientHash) && !m.Expired(now) {
			out[m.Category]++
		}
	}
	return out, nil
}

// ScanIdentities pages through records ordered by id.
func (r *MessageRepo) ScanIdentities(ctx context.Context, afterID uuid.UUID, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	var out []model.Message
	for id, m := range r.msgs {
		if bytes.Compare(id[:], afterID[:]) > 0 {
			out = append(out, model.Message{
				ID:            m.ID,
				Sender:        m.Sender,
				Recipient:     m.Recipient,
				SenderHash:    bytes.Clone(m.SenderHash),
				RecipientHash: bytes.Clone(m.RecipientHash),
				UpdatedAt:     m.UpdatedAt,
			})
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateHashes rewrites one record's hashes. A missing id is a no-op.
func (r *MessageRepo) UpdateHashes(ctx context.Context, id uuid.UUID, senderHash, recipientHash []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.msgs[id]
	if !ok {
		return nil
	}
	m.SenderHash = bytes.Clone(senderHash)
	m.RecipientHash = bytes.Clone(recipientHash)
	m.UpdatedAt = r.clock()
	r.msgs[id] = m
	return nil
}

// Len returns the number of stored records, expired ones included.
func (r *MessageRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func idSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	if ids == nil {
		return nil
	}
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func clone(m model.Message) model.Message {
	m.SenderHash = bytes.Clone(m.SenderHash)
	m.RecipientHash = bytes.Clone(m.RecipientHash)
	m.Payload = bytes.Clone(m.Payload)
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		m.ExpiresAt = &t
	}
	return m
}
