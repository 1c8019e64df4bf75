package expiry

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/metrics"
	"github.com/and161185/offline-keeper/internal/model"
	"github.com/and161185/offline-keeper/internal/notify"
)

// Deleter removes one record by id.
type Deleter interface {
	DeleteByID(ctx context.Context, id uuid.UUID) (int64, error)
}

// Reaper consumes the cache, deleting each message at its expiry and notifying the host.
//
// Notification is at-least-once per process: an entry whose delete fails stays taken and
// is reloaded after the cache's taken TTL. Only a delete that removed a row notifies, so
// concurrent reapers do not double-notify for the same message.
type Reaper struct {
	cache    *Cache
	store    Deleter
	notifier notify.Notifier
	log      *zap.Logger
	met      *metrics.Metrics
	now      func() time.Time
}

// NewReaper constructs a Reaper. Nil logger, metrics or notifier get no-op defaults.
func NewReaper(c *Cache, d Deleter, n notify.Notifier, log *zap.Logger, met *metrics.Metrics) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	if n == nil {
		n = notify.NewLog(log)
	}
	if met == nil {
		met = c.met
	}
	return &Reaper{cache: c, store: d, notifier: n, log: log, met: met, now: time.Now}
}

// Run blocks until ctx is done or the cache is closed.
func (r *Reaper) Run(ctx context.Context) error {
	for {
		e, err := r.cache.NextExpiring(ctx)
		if err != nil {
			if errors.Is(err, errs.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		ready, err := r.await(ctx, e)
		if err != nil {
			return nil
		}
		if !ready {
			continue
		}
		r.reap(ctx, e)
	}
}

// await sleeps until e is due. It hands e back to the cache and reports false when an
// earlier entry shows up.
func (r *Reaper) await(ctx context.Context, e model.ExpiryEntry) (bool, error) {
	poll := time.NewTicker(r.cache.cfg.PollInterval)
	defer poll.Stop()
	for {
		changed := r.cache.Changed()
		if r.cache.HasEarlier(e) {
			r.cache.Requeue(e)
			return false, nil
		}
		d := e.ExpiresAt.Sub(r.now())
		if d <= 0 {
			return true, nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.cache.Requeue(e)
			return false, ctx.Err()
		case <-timer.C:
			return true, nil
		case <-changed:
			timer.Stop()
		case <-poll.C:
			timer.Stop()
			if err := r.cache.Check(ctx); err != nil {
				r.log.Warn("expiry check failed", zap.Error(err))
			}
		}
	}
}

func (r *Reaper) reap(ctx context.Context, e model.ExpiryEntry) {
	var n int64
	b := retry.WithMaxRetries(r.cache.cfg.RetryAttempts, retry.NewExponential(r.cache.cfg.RetryBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		n, err = r.store.DeleteByID(ctx, e.ID)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		r.log.Error("delete expired message", zap.String("id", e.ID.String()), zap.Error(err))
		return
	}
	r.cache.Forget(e.ID)
	if n == 0 {
		return
	}
	r.met.Expired.Inc()
	if err := r.notifier.Expired(ctx, e); err != nil {
		r.log.Warn("expiry notification failed", zap.String("id", e.ID.String()), zap.Error(err))
	}
}
