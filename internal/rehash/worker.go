// Package rehash rewrites the hashed address indexes after a normalization rule change.
package rehash

import (
	"bytes"
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/offline-keeper/internal/identity"
	"github.com/and161185/offline-keeper/internal/model"
)

// DefaultBatchSize is the number of records read per scan.
const DefaultBatchSize = 500

// Store is the slice of the message repository the worker needs.
type Store interface {
	ScanIdentities(ctx context.Context, afterID uuid.UUID, limit int) ([]model.Message, error)
	UpdateHashes(ctx context.Context, id uuid.UUID, senderHash, recipientHash []byte) error
}

// Stats summarizes one pass.
type Stats struct {
	Scanned int
	Updated int
	Foreign int // stored hashes matched neither rule
}

// Worker recomputes hashes record by record. Each record is checked on its own,
// so an interrupted pass can simply be run again.
type Worker struct {
	store Store
	h     *identity.Hasher
	batch int
	log   *zap.Logger
}

// New constructs a Worker. Only the digest algorithm of h is used; rules come from Run.
func New(store Store, h *identity.Hasher, batch int, log *zap.Logger) *Worker {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{store: store, h: h, batch: batch, log: log}
}

// Run rewrites every record whose hashes differ under the to rule.
func (w *Worker) Run(ctx context.Context, from, to identity.Rule) (Stats, error) {
	var st Stats
	var after uuid.UUID
	oldH, newH := w.h.WithRule(from), w.h.WithRule(to)
	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		page, err := w.store.ScanIdentities(ctx, after, w.batch)
		if err != nil {
			return st, fmt.Errorf("scan after %s: %w", after, err)
		}
		for i := range page {
			m := &page[i]
			st.Scanned++
			s, r := newH.Sum(m.Sender), newH.Sum(m.Recipient)
			if bytes.Equal(s, m.SenderHash) && bytes.Equal(r, m.RecipientHash) {
				continue
			}
			if !matches(oldH, m) {
				st.Foreign++
				w.log.Warn("record hashed with an unexpected rule", zap.String("id", m.ID.String()))
			}
			if err := w.store.UpdateHashes(ctx, m.ID, s, r); err != nil {
				return st, fmt.Errorf("update %s: %w", m.ID, err)
			}
			st.Updated++
		}
		if len(page) < w.batch {
			break
		}
		after = page[len(page)-1].ID
		w.log.Debug("rehash progress", zap.Int("scanned", st.Scanned), zap.Int("updated", st.Updated))
	}
	w.log.Info("rehash finished",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("scanned", st.Scanned),
		zap.Int("updated", st.Updated),
		zap.Int("foreign", st.Foreign),
	)
	return st, nil
}

func matches(h *identity.Hasher, m *model.Message) bool {
	return bytes.Equal(h.Sum(m.Sender), m.SenderHash) && bytes.Equal(h.Sum(m.Recipient), m.RecipientHash)
}
