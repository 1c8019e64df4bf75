package expiry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/offline-keeper/internal/metrics"
	"github.com/and161185/offline-keeper/internal/model"
	"github.com/and161185/offline-keeper/internal/repository/memory"
)

type recNotifier struct {
	mu  sync.Mutex
	got []model.ExpiryEntry
}

func (r *recNotifier) Expired(_ context.Context, e model.ExpiryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func (r *recNotifier) ids() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uuid.UUID, 0, len(r.got))
	for _, e := range r.got {
		out = append(out, e.ID)
	}
	return out
}

func startReaper(t *testing.T, c *Cache, d Deleter, n *recNotifier) *Reaper {
	t.Helper()
	r := NewReaper(c, d, n, zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return r
}

func TestReaper_DeletesAndNotifiesAtExpiry(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := newCache(t, repo, Config{})
	n := &recNotifier{}
	r := startReaper(t, c, repo, n)

	e := put(t, repo, c, time.Now().Add(100*time.Millisecond))

	require.Eventually(t, func() bool { return len(n.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, e.ID, n.ids()[0])
	require.Equal(t, 0, repo.Len())
	require.Equal(t, 1.0, testutil.ToFloat64(r.met.Expired))
}

func TestReaper_EarlierStorePreemptsWait(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := newCache(t, repo, Config{})
	n := &recNotifier{}
	startReaper(t, c, repo, n)

	late := put(t, repo, c, time.Now().Add(time.Hour))
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	early := put(t, repo, c, time.Now().Add(50*time.Millisecond))

	require.Eventually(t, func() bool { return len(n.ids()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, early.ID, n.ids()[0])
	require.Equal(t, 1, repo.Len())

	var left []model.Message
	require.NoError(t, repo.FindByRecipient(context.Background(), recipientQuery(), func(b []model.Message) error {
		left = append(left, b...)
		return nil
	}))
	require.Len(t, left, 1)
	require.Equal(t, late.ID, left[0].ID)
}

// sweptFirst removes the row itself and reports nothing deleted, as if a sweep won the race.
type sweptFirst struct{ repo *memory.MessageRepo }

func (s sweptFirst) DeleteByID(ctx context.Context, id uuid.UUID) (int64, error) {
	_, err := s.repo.DeleteByID(ctx, id)
	return 0, err
}

func TestReaper_NoNotificationWhenAlreadyDeleted(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := newCache(t, repo, Config{})
	n := &recNotifier{}
	startReaper(t, c, sweptFirst{repo: repo}, n)

	put(t, repo, c, time.Now().Add(20*time.Millisecond))
	require.Eventually(t, func() bool { return repo.Len() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, n.ids())
}

type failingDeleter struct{}

func (failingDeleter) DeleteByID(context.Context, uuid.UUID) (int64, error) {
	return 0, errors.New("db down")
}

func TestReaper_DeleteFailureKeepsEntryTaken(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := newCache(t, repo, Config{RetryAttempts: 1})
	n := &recNotifier{}
	startReaper(t, c, failingDeleter{}, n)

	e := put(t, repo, c, time.Now().Add(10*time.Millisecond))
	time.Sleep(200 * time.Millisecond)

	require.Empty(t, n.ids())
	require.Equal(t, 1, repo.Len())
	c.mu.Lock()
	_, taken := c.taken[e.ID]
	c.mu.Unlock()
	require.True(t, taken)
}

func TestReaper_StopsOnClose(t *testing.T) {
	repo := memory.NewMessageRepo(nil)
	c := New(repo, Config{PollInterval: time.Hour})
	r := NewReaper(c, repo, nil, nil, metrics.New(nil))

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
