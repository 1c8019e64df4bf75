package expiry

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/metrics"
	"github.com/and161185/offline-keeper/internal/model"
	"github.com/and161185/offline-keeper/internal/repository"
	"github.com/and161185/offline-keeper/internal/repository/memory"
)

func newCache(t *testing.T, src Source, cfg Config) *Cache {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	c := New(src, cfg, WithLogger(zaptest.NewLogger(t)), WithMetrics(metrics.New(nil)))
	t.Cleanup(c.Close)
	return c
}

// put persists a message and, when c is non-nil, tells the cache about it.
func put(t *testing.T, repo *memory.MessageRepo, c *Cache, exp time.Time) model.ExpiryEntry {
	t.Helper()
	m := &model.Message{
		ID:            uuid.Must(uuid.NewV7()),
		SenderHash:    []byte("s"),
		RecipientHash: []byte("r"),
		Sender:        "alice@example.com",
		Recipient:     "bob@example.com",
		Payload:       []byte("<message/>"),
		Category:      model.CategoryChat,
		StoredAt:      time.Now(),
		ExpiresAt:     &exp,
	}
	require.NoError(t, repo.Insert(context.Background(), m))
	e, _ := m.ExpiryEntry()
	if c != nil {
		c.OnStore(context.Background(), e)
	}
	return e
}

func pop(t *testing.T, c *Cache) model.ExpiryEntry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e, err := c.NextExpiring(ctx)
	require.NoError(t, err)
	return e
}

func TestCache_YieldsInExpiryOrder(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := newCache(t, repo, Config{MaxSize: 7})

	base := time.Now().Add(time.Hour)
	rnd := rand.New(rand.NewSource(1))
	const n = 60
	for _, i := range rnd.Perm(n) {
		put(t, repo, c, base.Add(time.Duration(i)*time.Second))
	}

	var prev time.Time
	for i := 0; i < n; i++ {
		e := pop(t, c)
		require.False(t, e.ExpiresAt.Before(prev), "out of order at %d", i)
		prev = e.ExpiresAt
	}
	require.Equal(t, 0, c.Len())
}

func TestCache_EarlierStoreWhileLoadedComesFirst(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := newCache(t, repo, Config{MaxSize: 10})

	base := time.Now().Add(time.Hour)
	put(t, repo, nil, base.Add(10*time.Second))
	put(t, repo, nil, base.Add(20*time.Second))
	put(t, repo, nil, base.Add(30*time.Second))
	require.Equal(t, base.Add(10*time.Second), pop(t, c).ExpiresAt)
	require.Equal(t, StateLoaded, c.State())

	early := put(t, repo, c, base.Add(5*time.Second))
	require.True(t, c.HasEarlier(model.ExpiryEntry{ExpiresAt: base.Add(20 * time.Second)}))
	require.Equal(t, early.ID, pop(t, c).ID)
	require.Equal(t, base.Add(20*time.Second), pop(t, c).ExpiresAt)
}

func TestCache_StoreOnEmptyLoadsImmediately(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := newCache(t, repo, Config{})
	require.Equal(t, StateEmpty, c.State())

	put(t, repo, c, time.Now().Add(time.Minute))
	require.Equal(t, 1, c.Len())
	require.Equal(t, StateLoaded, c.State())
}

func TestCache_NoExpiryIsIgnored(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := newCache(t, repo, Config{})
	c.OnStore(context.Background(), model.ExpiryEntry{ID: uuid.Must(uuid.NewV7())})
	require.Equal(t, StateEmpty, c.State())
}

func TestCache_ExpiredThenBlocksUntilNextStore(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := newCache(t, repo, Config{PollInterval: 20 * time.Millisecond})

	e := put(t, repo, c, time.Now().Add(time.Second))
	time.Sleep(1100 * time.Millisecond)
	got := pop(t, c)
	require.Equal(t, e.ID, got.ID)
	require.True(t, got.ExpiresAt.Before(time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	_, err := c.NextExpiring(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan model.ExpiryEntry, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		next, err := c.NextExpiring(ctx)
		if err == nil {
			done <- next
		}
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	second := put(t, repo, c, time.Now().Add(time.Second))

	select {
	case next, ok := <-done:
		require.True(t, ok, "waiter was not released by the store")
		require.Equal(t, second.ID, next.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter did not return")
	}
}

func TestCache_TakenEntriesAreNotServedTwice(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := newCache(t, repo, Config{MaxSize: 1})

	a := put(t, repo, nil, time.Now().Add(time.Minute))
	require.Equal(t, a.ID, pop(t, c).ID)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err := c.NextExpiring(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	c.Requeue(a)
	require.Equal(t, a.ID, pop(t, c).ID)
}

func TestCache_TakenTTLReleasesEntry(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	now := time.Now()
	var offset atomic.Int64
	clock := func() time.Time { return now.Add(time.Duration(offset.Load())) }

	c := New(repo, Config{TakenTTL: time.Minute, PollInterval: 20 * time.Millisecond},
		WithClock(clock), WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(c.Close)

	a := put(t, repo, nil, now.Add(time.Hour))
	require.Equal(t, a.ID, pop(t, c).ID)

	offset.Store(int64(2 * time.Minute))
	require.Equal(t, a.ID, pop(t, c).ID)
}

func TestCache_Forget(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := newCache(t, repo, Config{})

	base := time.Now().Add(time.Hour)
	a := put(t, repo, nil, base.Add(time.Second))
	b := put(t, repo, nil, base.Add(2*time.Second))
	c.Requeue(a)
	c.Requeue(b)
	require.Equal(t, 2, c.Len())

	c.Forget(a.ID)
	require.Equal(t, 1, c.Len())
	_, err := repo.DeleteByID(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, b.ID, pop(t, c).ID)
}

func TestCache_DriftClearsBufferBeforeRefill(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := newCache(t, repo, Config{MaxSize: 2, DriftFactor: 1, LoadFactor: 2})

	base := time.Now().Add(time.Hour)
	for i := 10; i < 13; i++ {
		// not in the store: stale entries the cache drifted into
		c.Requeue(model.ExpiryEntry{ID: uuid.Must(uuid.NewV7()), ExpiresAt: base.Add(time.Duration(i) * time.Second)})
	}
	require.Equal(t, 3, c.Len())

	s := put(t, repo, c, base.Add(time.Second))
	require.Equal(t, s.ID, pop(t, c).ID)
	require.Equal(t, 0, c.Len())
	require.Equal(t, 1.0, testutil.ToFloat64(c.met.Refills.WithLabelValues(metrics.RefillUpTo)))
}

func TestCache_UpToRespectsLoadCap(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := newCache(t, repo, Config{MaxSize: 1, LoadFactor: 3})

	base := time.Now().Add(time.Hour)
	put(t, repo, c, base.Add(time.Hour))
	require.Equal(t, 1, c.Len())

	// written by another process: the cache hears nothing
	for i := 1; i <= 5; i++ {
		put(t, repo, nil, base.Add(time.Duration(i)*time.Second))
	}
	require.NoError(t, c.Check(context.Background()))

	e := pop(t, c)
	require.Equal(t, base.Add(time.Second), e.ExpiresAt)
	require.LessOrEqual(t, c.Len(), 3)
}

func TestCache_CheckFindsOutOfProcessWrites(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := newCache(t, repo, Config{})

	base := time.Now().Add(time.Hour)
	put(t, repo, nil, base.Add(1*time.Second))
	put(t, repo, nil, base.Add(3*time.Second))
	require.Equal(t, base.Add(time.Second), pop(t, c).ExpiresAt)
	require.Equal(t, 1, c.Len())

	b := put(t, repo, nil, base.Add(2*time.Second))
	require.NoError(t, c.Check(context.Background()))
	require.True(t, c.HasEarlier(model.ExpiryEntry{ExpiresAt: base.Add(3 * time.Second)}))
	require.Equal(t, b.ID, pop(t, c).ID)
}

type flakySource struct {
	*memory.MessageRepo
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *flakySource) FindExpiring(ctx context.Context, q repository.ExpiryQuery) ([]model.ExpiryEntry, error) {
	f.calls.Add(1)
	if f.fail.Load() {
		return nil, errors.New("connection reset")
	}
	return f.MessageRepo.FindExpiring(ctx, q)
}

func TestCache_RefillErrorsAreRetriedThenSkipped(t *testing.T) {
	src := &flakySource{MessageRepo: memory.NewMessageRepo(nil)}
	src.fail.Store(true)
	c := newCache(t, src, Config{RetryAttempts: 2, PollInterval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.NextExpiring(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 3, src.calls.Load())
	require.Equal(t, 1.0, testutil.ToFloat64(c.met.RefillErrors))

	src.fail.Store(false)
	e := put(t, src.MessageRepo, c, time.Now().Add(time.Minute))
	require.Equal(t, e.ID, pop(t, c).ID)
}

func TestCache_CloseReleasesWaiters(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := New(repo, Config{PollInterval: time.Hour})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.NextExpiring(context.Background())
		errCh <- err
	}()
	time.Sleep(30 * time.Millisecond)
	c.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, errs.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by Close")
	}
	_, err := c.NextExpiring(context.Background())
	require.ErrorIs(t, err, errs.ErrClosed)
}

func TestState_String(t *testing.T) {
	require.Equal(t, "empty", StateEmpty.String())
	require.Equal(t, "loaded", StateLoaded.String())
	require.Equal(t, "draining", StateDraining.String())
}
