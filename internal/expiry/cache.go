// Package expiry keeps a bounded, lazily refilled look-ahead of the soonest-expiring
// messages and the consumers that act on it.
package expiry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/metrics"
	"github.com/and161185/offline-keeper/internal/model"
	"github.com/and161185/offline-keeper/internal/repository"
)

// Source is the part of the message store the cache reads from.
type Source interface {
	FindExpiring(ctx context.Context, q repository.ExpiryQuery) ([]model.ExpiryEntry, error)
	EarliestExpiry(ctx context.Context, before time.Time, exclude []uuid.UUID) (time.Time, bool, error)
}

// State is the cache mode.
type State int

// Cache states.
const (
	StateEmpty State = iota
	StateLoaded
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoaded:
		return "loaded"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Config bounds the cache.
type Config struct {
	MaxSize       int           // entries fetched by a bounded refill
	LoadFactor    int           // refillUpTo cap = MaxSize*LoadFactor
	DriftFactor   int           // buffer above MaxSize*DriftFactor is cleared before refillUpTo
	PollInterval  time.Duration // waiters re-check the store this often
	TakenTTL      time.Duration // popped entries become eligible again after this
	RetryAttempts uint64
	RetryBase     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:       100,
		LoadFactor:    10,
		DriftFactor:   100,
		PollInterval:  5 * time.Second,
		TakenTTL:      5 * time.Minute,
		RetryAttempts: 3,
		RetryBase:     50 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.LoadFactor <= 0 {
		c.LoadFactor = d.LoadFactor
	}
	if c.DriftFactor <= 0 {
		c.DriftFactor = d.DriftFactor
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.TakenTTL <= 0 {
		c.TakenTTL = d.TakenTTL
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	return c
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.log = l } }

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Cache) { c.met = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// Cache is the expiry look-ahead. It is safe for concurrent use.
//
// The buffer holds a prefix of the store's expiry order, minus entries already handed
// out. The watermark is the earliest expiry known to exist in the store but missing from
// the buffer; zero means none is known.
type Cache struct {
	src Source
	cfg Config
	log *zap.Logger
	met *metrics.Metrics
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	sf     singleflight.Group

	mu        sync.Mutex
	buf       []model.ExpiryEntry
	watermark time.Time
	taken     map[uuid.UUID]time.Time
	refilling bool
	seq       uint64 // bumped by every OnStore/Requeue
	wake      chan struct{}
	closed    bool
}

// New constructs an empty cache over src.
func New(src Source, cfg Config, opts ...Option) *Cache {
	c := &Cache{
		src:   src,
		cfg:   cfg.withDefaults(),
		log:   zap.NewNop(),
		now:   time.Now,
		taken: make(map[uuid.UUID]time.Time),
		wake:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.met == nil {
		c.met = metrics.New(nil)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// NextExpiring pops the soonest-expiring entry, refilling from the store as needed.
// It blocks while nothing is available and returns ctx.Err() or errs.ErrClosed when
// the wait is cancelled.
func (c *Cache) NextExpiring(ctx context.Context) (model.ExpiryEntry, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return model.ExpiryEntry{}, errs.ErrClosed
		}
		if len(c.buf) > 0 && !c.watermark.IsZero() && c.watermark.Before(c.buf[0].ExpiresAt) {
			ceiling := c.buf[0].ExpiresAt
			c.mu.Unlock()
			if err := c.refill(ctx, metrics.RefillUpTo, 0, ceiling); err != nil {
				return model.ExpiryEntry{}, err
			}
			continue
		}
		if len(c.buf) > 0 {
			e := c.popLocked()
			c.mu.Unlock()
			return e, nil
		}
		wake := c.wake
		c.mu.Unlock()

		if err := c.refill(ctx, metrics.RefillBounded, c.cfg.MaxSize, time.Time{}); err != nil {
			return model.ExpiryEntry{}, err
		}
		if c.Len() > 0 {
			continue
		}
		if err := c.wait(ctx, wake); err != nil {
			return model.ExpiryEntry{}, err
		}
	}
}

func (c *Cache) wait(ctx context.Context, wake <-chan struct{}) error {
	t := time.NewTimer(c.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errs.ErrClosed
	case <-wake:
	case <-t.C:
	}
	return nil
}

func (c *Cache) popLocked() model.ExpiryEntry {
	e := c.buf[0]
	c.buf[0] = model.ExpiryEntry{}
	c.buf = c.buf[1:]
	c.taken[e.ID] = c.now()
	c.met.CacheSize.Set(float64(len(c.buf)))
	return e
}

// OnStore tells the cache a message was persisted.
func (c *Cache) OnStore(ctx context.Context, e model.ExpiryEntry) {
	if e.ExpiresAt.IsZero() {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.seq++
	if len(c.buf) == 0 {
		draining := c.refilling
		if draining && (c.watermark.IsZero() || e.ExpiresAt.Before(c.watermark)) {
			c.watermark = e.ExpiresAt
		}
		c.broadcastLocked()
		c.mu.Unlock()
		if !draining {
			if err := c.refill(ctx, metrics.RefillBounded, 1, time.Time{}); err != nil {
				c.log.Debug("store-triggered refill abandoned", zap.Error(err))
			}
		}
		return
	}
	tail := c.buf[len(c.buf)-1]
	if e.Before(tail) && (c.watermark.IsZero() || e.ExpiresAt.Before(c.watermark)) {
		c.watermark = e.ExpiresAt
	}
	if e.Before(c.buf[0]) {
		c.broadcastLocked()
	}
	c.mu.Unlock()
}

// Check probes the store for records that belong inside the buffered range but are
// missing from it, typically written by another process, and lowers the watermark.
func (c *Cache) Check(ctx context.Context) error {
	c.mu.Lock()
	if len(c.buf) == 0 || c.closed {
		c.mu.Unlock()
		return nil
	}
	before := c.buf[len(c.buf)-1].ExpiresAt
	exclude := c.knownIDsLocked()
	c.mu.Unlock()

	t, ok, err := c.src.EarliestExpiry(ctx, before, exclude)
	if err != nil || !ok {
		return err
	}
	c.mu.Lock()
	if c.watermark.IsZero() || t.Before(c.watermark) {
		c.watermark = t
		if len(c.buf) > 0 && t.Before(c.buf[0].ExpiresAt) {
			c.broadcastLocked()
		}
	}
	c.mu.Unlock()
	return nil
}

// HasEarlier reports whether the cache knows of an entry due before e.
func (c *Cache) HasEarlier(e model.ExpiryEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) > 0 && c.buf[0].Before(e) {
		return true
	}
	return !c.watermark.IsZero() && c.watermark.Before(e.ExpiresAt)
}

// Requeue returns a popped entry to the buffer.
func (c *Cache) Requeue(e model.ExpiryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.taken, e.ID)
	if c.closed {
		return
	}
	c.seq++
	c.mergeLocked([]model.ExpiryEntry{e})
	c.broadcastLocked()
}

// Forget drops ids from the buffer and from the taken set, typically after deletion.
func (c *Cache) Forget(ids ...uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range drop {
		delete(c.taken, id)
	}
	kept := c.buf[:0]
	for _, e := range c.buf {
		if _, ok := drop[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(c.buf); i++ {
		c.buf[i] = model.ExpiryEntry{}
	}
	c.buf = kept
	c.met.CacheSize.Set(float64(len(c.buf)))
}

// Changed returns a channel closed at the next change that may put an earlier entry
// at the head.
func (c *Cache) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wake
}

// Len returns the number of buffered entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// State returns the current mode.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.refilling:
		return StateDraining
	case len(c.buf) == 0:
		return StateEmpty
	default:
		return StateLoaded
	}
}

// Close releases every waiter with errs.ErrClosed.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.broadcastLocked()
	c.mu.Unlock()
	c.cancel()
}

func (c *Cache) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// refill runs at most one store read at a time; concurrent callers share it.
// Store failures are logged and reported as an empty round; only cancellation of
// ctx or Close is returned.
func (c *Cache) refill(ctx context.Context, kind string, limit int, ceiling time.Time) error {
	ch := c.sf.DoChan("refill", func() (any, error) {
		c.doRefill(kind, limit, ceiling)
		return nil, nil
	})
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return errs.ErrClosed
	}
}

func (c *Cache) doRefill(kind string, limit int, ceiling time.Time) {
	c.mu.Lock()
	c.refilling = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.refilling = false
		c.mu.Unlock()
	}()

	c.met.Refills.WithLabelValues(kind).Inc()
	if kind == metrics.RefillUpTo {
		limit = c.cfg.MaxSize * c.cfg.LoadFactor
	}

	for {
		c.mu.Lock()
		if kind == metrics.RefillUpTo && len(c.buf) > c.cfg.MaxSize*c.cfg.DriftFactor {
			c.log.Warn("expiry cache drifted, clearing before refill", zap.Int("size", len(c.buf)))
			c.buf = nil
		}
		c.pruneTakenLocked()
		q := repository.ExpiryQuery{Before: ceiling, Limit: limit, Exclude: c.knownIDsLocked()}
		seq0 := c.seq
		c.mu.Unlock()

		entries, err := c.load(q)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.met.RefillErrors.Inc()
				c.log.Error("expiry refill failed", zap.String("kind", kind), zap.Error(err))
			}
			if kind == metrics.RefillUpTo {
				// give up on the hint this round; Check restores it
				c.mu.Lock()
				c.watermark = time.Time{}
				c.mu.Unlock()
			}
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if len(entries) == 0 && c.seq != seq0 {
			// a store landed while reading; read again so it is not missed
			c.mu.Unlock()
			continue
		}
		c.mergeLocked(entries)
		if kind == metrics.RefillUpTo {
			if capN := c.cfg.MaxSize * c.cfg.LoadFactor; len(c.buf) > capN {
				clear(c.buf[capN:])
				c.buf = c.buf[:capN]
			}
		}
		if c.seq == seq0 {
			c.watermark = time.Time{}
		}
		if len(entries) > 0 {
			c.broadcastLocked()
		}
		c.mu.Unlock()
		return
	}
}

func (c *Cache) load(q repository.ExpiryQuery) ([]model.ExpiryEntry, error) {
	var out []model.ExpiryEntry
	b := retry.WithMaxRetries(c.cfg.RetryAttempts, retry.NewExponential(c.cfg.RetryBase))
	err := retry.Do(c.ctx, b, func(ctx context.Context) error {
		res, err := c.src.FindExpiring(ctx, q)
		if err != nil {
			return retry.RetryableError(err)
		}
		out = res
		return nil
	})
	return out, err
}

// mergeLocked inserts entries keeping the buffer sorted and free of duplicates or taken ids.
func (c *Cache) mergeLocked(entries []model.ExpiryEntry) {
	if len(entries) == 0 {
		return
	}
	have := make(map[uuid.UUID]struct{}, len(c.buf))
	for _, e := range c.buf {
		have[e.ID] = struct{}{}
	}
	for _, e := range entries {
		if _, dup := have[e.ID]; dup {
			continue
		}
		if _, out := c.taken[e.ID]; out {
			continue
		}
		have[e.ID] = struct{}{}
		c.buf = append(c.buf, e)
	}
	sort.Slice(c.buf, func(i, j int) bool { return c.buf[i].Before(c.buf[j]) })
	c.met.CacheSize.Set(float64(len(c.buf)))
}

func (c *Cache) pruneTakenLocked() {
	cutoff := c.now().Add(-c.cfg.TakenTTL)
	for id, at := range c.taken {
		if at.Before(cutoff) {
			delete(c.taken, id)
		}
	}
}

func (c *Cache) knownIDsLocked() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.taken)+len(c.buf))
	for id := range c.taken {
		ids = append(ids, id)
	}
	for _, e := range c.buf {
		ids = append(ids, e.ID)
	}
	return ids
}
