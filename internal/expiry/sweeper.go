package expiry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/offline-keeper/internal/metrics"
)

// ExpiredDeleter removes every record that expired before t.
type ExpiredDeleter interface {
	DeleteExpiredBefore(ctx context.Context, t time.Time) (int64, error)
}

// Sweeper periodically purges long-expired records the reaper never reached,
// e.g. ones written while no reaper was running.
type Sweeper struct {
	store    ExpiredDeleter
	interval time.Duration
	grace    time.Duration
	log      *zap.Logger
	met      *metrics.Metrics
	now      func() time.Time
}

// NewSweeper constructs a Sweeper. Records are purged once grace has passed since their expiry.
func NewSweeper(d ExpiredDeleter, interval, grace time.Duration, log *zap.Logger, met *metrics.Metrics) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if met == nil {
		met = metrics.New(nil)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: d, interval: interval, grace: grace, log: log, met: met, now: time.Now}
}

// SweepOnce runs one purge.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpiredBefore(ctx, s.now().Add(-s.grace))
	if err != nil {
		return 0, err
	}
	s.met.Swept.Add(float64(n))
	if n > 0 {
		s.log.Info("swept expired messages", zap.Int64("count", n))
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}
