package memory

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/offline-keeper/internal/model"
	"github.com/and161185/offline-keeper/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func msg(to string, stored time.Time, exp *time.Time) *model.Message {
	return &model.Message{
		ID:            uuid.Must(uuid.NewV7()),
		SenderHash:    []byte("alice"),
		RecipientHash: []byte(to),
		Sender:        "alice@x",
		Recipient:     to + "@x",
		Payload:       []byte("p"),
		Category:      model.CategoryChat,
		StoredAt:      stored,
		ExpiresAt:     exp,
	}
}

func ptr(t time.Time) *time.Time { return &t }

func TestMessageRepo_FindByRecipient_OrderAndBatches(t *testing.T) {
	ctx := context.Background()
	r := NewMessageRepo(nil)
	base := time.Now()

	// inserted out of order on purpose
	m3 := msg("bob", base.Add(3*time.Second), nil)
	m1 := msg("bob", base.Add(1*time.Second), nil)
	m2 := msg("bob", base.Add(2*time.Second), nil)
	other := msg("carol", base, nil)
	for _, m := range []*model.Message{m3, m1, m2, other} {
		require.NoError(t, r.Insert(ctx, m))
	}

	var sizes []int
	var got []uuid.UUID
	err := r.FindByRecipient(ctx, repository.RecipientQuery{RecipientHash: []byte("bob"), BatchSize: 2}, func(b []model.Message) error {
		sizes = append(sizes, len(b))
		for _, m := range b {
			got = append(got, m.ID)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{2, 1}, sizes)
	require.Equal(t, []uuid.UUID{m1.ID, m2.ID, m3.ID}, got)

	got = nil
	err = r.FindByRecipient(ctx, repository.RecipientQuery{RecipientHash: []byte("bob"), IDs: []uuid.UUID{m3.ID, other.ID}}, func(b []model.Message) error {
		for _, m := range b {
			got = append(got, m.ID)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{m3.ID}, got)
}

func TestMessageRepo_InsertWithinQuota(t *testing.T) {
	ctx := context.Background()
	r := NewMessageRepo(nil)

	for i := 0; i < 2; i++ {
		ok, err := r.InsertWithinQuota(ctx, msg("bob", time.Now(), nil), 2)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := r.InsertWithinQuota(ctx, msg("bob", time.Now(), nil), 2)
	require.NoError(t, err)
	require.False(t, ok)

	n, err := r.CountFor(ctx, []byte("alice"), []byte("bob"))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestMessageRepo_ExpiryQueries(t *testing.T) {
	ctx := context.Background()
	r := NewMessageRepo(nil)
	now := time.Now()

	late := msg("bob", now, ptr(now.Add(time.Hour)))
	soon := msg("bob", now, ptr(now.Add(time.Minute)))
	never := msg("bob", now, nil)
	for _, m := range []*model.Message{late, soon, never} {
		require.NoError(t, r.Insert(ctx, m))
	}

	out, err := r.FindExpiring(ctx, repository.ExpiryQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, soon.ID, out[0].ID)
	require.Equal(t, late.ID, out[1].ID)

	out, err = r.FindExpiring(ctx, repository.ExpiryQuery{Limit: 10, Before: now.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, out, 1)

	out, err = r.FindExpiring(ctx, repository.ExpiryQuery{Limit: 10, Exclude: []uuid.UUID{soon.ID}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, late.ID, out[0].ID)

	ts, ok, err := r.EarliestExpiry(ctx, now.Add(2*time.Hour), []uuid.UUID{soon.ID})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, ts.Equal(*late.ExpiresAt))

	_, ok, err = r.EarliestExpiry(ctx, now, nil)
	require.NoError(t, err)
	require.False(t, ok)

	n, err := r.DeleteExpiredBefore(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, 2, r.Len())
}

func TestMessageRepo_CountByCategory_SkipsExpired(t *testing.T) {
	ctx := context.Background()
	r := NewMessageRepo(nil)
	now := time.Now()

	require.NoError(t, r.Insert(ctx, msg("bob", now, nil)))
	expired := msg("bob", now, ptr(now.Add(-time.Second)))
	require.NoError(t, r.Insert(ctx, expired))
	h := msg("bob", now, nil)
	h.Category = model.CategoryHeadline
	require.NoError(t, r.Insert(ctx, h))

	out, err := r.CountByCategory(ctx, []byte("bob"), now)
	require.NoError(t, err)
	require.Equal(t, map[model.Category]int64{model.CategoryChat: 1, model.CategoryHeadline: 1}, out)
}

func TestMessageRepo_DeleteAndRehash(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewMessageRepo(func() time.Time { return fixed })
	now := time.Now()

	a := msg("bob", now, nil)
	b := msg("bob", now, nil)
	require.NoError(t, r.Insert(ctx, a))
	require.NoError(t, r.Insert(ctx, b))

	n, err := r.DeleteByID(ctx, uuid.Must(uuid.NewV7()))
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, r.UpdateHashes(ctx, a.ID, []byte("alice2"), []byte("bob2")))
	rows, err := r.ScanIdentities(ctx, uuid.Nil, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, m := range rows {
		if m.ID == a.ID {
			require.Equal(t, []byte("bob2"), m.RecipientHash)
			require.Equal(t, fixed, m.UpdatedAt)
		} else {
			require.Equal(t, now, m.UpdatedAt)
		}
	}

	n, err = r.DeleteByRecipient(ctx, []byte("bob"), nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = r.DeleteByRecipient(ctx, []byte("bob2"), []uuid.UUID{})
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, r.Len())
}
