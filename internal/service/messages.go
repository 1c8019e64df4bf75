// Package service contains the offline message application service.
package service

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/identity"
	"github.com/and161185/offline-keeper/internal/metrics"
	"github.com/and161185/offline-keeper/internal/model"
	"github.com/and161185/offline-keeper/internal/quota"
	"github.com/and161185/offline-keeper/internal/rehash"
	"github.com/and161185/offline-keeper/internal/repository"
)

// MessageService is the host-facing API of the offline store.
type MessageService interface {
	// Store persists a message; false means the pair quota was met.
	Store(ctx context.Context, req model.StoreRequest) (bool, error)
	// Retrieve returns the recipient's live messages by storedAt, optionally deleting them.
	Retrieve(ctx context.Context, recipient string, ids []uuid.UUID, del bool) ([]model.Message, error)
	// CountByCategory tallies the recipient's live messages per category.
	CountByCategory(ctx context.Context, recipient string) (map[model.Category]int64, error)
	// NextExpiring blocks until an entry is due next.
	NextExpiring(ctx context.Context) (model.ExpiryEntry, error)
	// DeleteByID removes one message; false when it did not exist.
	DeleteByID(ctx context.Context, id uuid.UUID) (bool, error)
	// Migrate rewrites hashes from one normalization rule to another and switches to it.
	Migrate(ctx context.Context, from, to identity.Rule) (rehash.Stats, error)
	// SetQuota sets the recipient's limit override; nil clears it.
	SetQuota(ctx context.Context, recipient string, limit *int) error
}

// ExpiryCache is the part of the look-ahead cache the service drives.
type ExpiryCache interface {
	OnStore(ctx context.Context, e model.ExpiryEntry)
	NextExpiring(ctx context.Context) (model.ExpiryEntry, error)
	Forget(ids ...uuid.UUID)
}

// Migrator runs a rehash pass.
type Migrator interface {
	Run(ctx context.Context, from, to identity.Rule) (rehash.Stats, error)
}

// QuotaAdmin is implemented by limit providers that store overrides.
type QuotaAdmin interface {
	SetLimit(ctx context.Context, recipient string, limit int) error
	ClearLimit(ctx context.Context, recipient string) error
}

// Options carries optional collaborators.
type Options struct {
	// Strict makes quota check and insert one atomic repository call.
	Strict    bool
	BatchSize int
	Migrator  Migrator
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	// Hashers is shared with other digest-keyed components such as quota.PG.
	// Nil wraps the hasher passed to NewMessageService.
	Hashers *identity.Current
}

type MessageServiceImpl struct {
	repo     repository.MessageRepository
	hasher   *identity.Current
	limits   quota.LimitProvider
	guard    *quota.Guard
	locks    *quota.KeyedMutex
	cache    ExpiryCache
	migrator Migrator
	strict   bool
	batch    int
	now      func() time.Time
	log      *zap.Logger
	met      *metrics.Metrics
}

// NewMessageService constructs the service. A nil cache disables expiry tracking.
func NewMessageService(repo repository.MessageRepository, h *identity.Hasher, limits quota.LimitProvider, cache ExpiryCache, opts Options) *MessageServiceImpl {
	s := &MessageServiceImpl{
		repo:     repo,
		limits:   limits,
		guard:    quota.NewGuard(repo),
		locks:    quota.NewKeyedMutex(),
		cache:    cache,
		migrator: opts.Migrator,
		strict:   opts.Strict,
		batch:    opts.BatchSize,
		now:      opts.Clock,
		log:      opts.Logger,
		met:      opts.Metrics,
	}
	s.hasher = opts.Hashers
	if s.hasher == nil {
		s.hasher = identity.NewCurrent(h)
	}
	if s.limits == nil {
		s.limits = quota.Static(-1)
	}
	if s.cache == nil {
		s.cache = noCache{}
	}
	if s.batch <= 0 {
		s.batch = repository.DefaultBatchSize
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.met == nil {
		s.met = metrics.New(nil)
	}
	return s
}

// Hasher returns the hasher currently in use.
func (s *MessageServiceImpl) Hasher() *identity.Hasher { return s.hasher.Load() }

// Store validates and persists one message under the pair quota.
func (s *MessageServiceImpl) Store(ctx context.Context, req model.StoreRequest) (bool, error) {
	if err := identity.ValidateAddress(req.From); err != nil {
		return false, fmt.Errorf("from: %w", err)
	}
	if err := identity.ValidateAddress(req.To); err != nil {
		return false, fmt.Errorf("to: %w", err)
	}
	if !utf8.Valid(req.Payload) {
		return false, fmt.Errorf("%w: payload must be UTF-8 text", errs.ErrConfiguration)
	}
	cat, err := model.ParseCategory(string(req.Category))
	if err != nil {
		return false, fmt.Errorf("%w: %w", errs.ErrConfiguration, err)
	}
	limit, err := s.limits.LimitFor(ctx, req.To)
	if err != nil {
		return false, errs.Storage("limit for", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return false, err
	}
	h := s.hasher.Load()
	now := s.now().UTC()
	m := &model.Message{
		ID:            id,
		SenderHash:    h.Sum(req.From),
		RecipientHash: h.Sum(req.To),
		Sender:        req.From,
		Recipient:     req.To,
		Payload:       req.Payload,
		Category:      cat,
		StoredAt:      now,
		ExpiresAt:     req.ExpiresAt,
		UpdatedAt:     now,
	}

	ok, err := s.insert(ctx, m, limit)
	if err != nil {
		return false, errs.Storage("insert", err)
	}
	if !ok {
		s.met.QuotaRejected.Inc()
		s.log.Debug("quota met", zap.String("to", req.To), zap.Int("limit", limit))
		return false, nil
	}
	s.met.Stored.Inc()
	if e, ok := m.ExpiryEntry(); ok {
		s.cache.OnStore(ctx, e)
	}
	return true, nil
}

func (s *MessageServiceImpl) insert(ctx context.Context, m *model.Message, limit int) (bool, error) {
	if limit < 0 {
		return true, s.repo.Insert(ctx, m)
	}
	if s.strict {
		return s.repo.InsertWithinQuota(ctx, m, limit)
	}
	unlock := s.locks.Lock(m.SenderHash, m.RecipientHash)
	defer unlock()
	ok, err := s.guard.CheckAndReserve(ctx, m.SenderHash, m.RecipientHash, limit)
	if err != nil || !ok {
		return false, err
	}
	return true, s.repo.Insert(ctx, m)
}

// Retrieve reads the recipient's live messages. With del, the returned ids are
// removed afterwards; a failed delete is logged and the messages are still returned.
func (s *MessageServiceImpl) Retrieve(ctx context.Context, recipient string, ids []uuid.UUID, del bool) ([]model.Message, error) {
	if err := identity.ValidateAddress(recipient); err != nil {
		return nil, err
	}
	rh := s.hasher.Load().Sum(recipient)
	now := s.now()

	out := []model.Message{}
	q := repository.RecipientQuery{RecipientHash: rh, IDs: ids, BatchSize: s.batch}
	err := s.repo.FindByRecipient(ctx, q, func(batch []model.Message) error {
		for i := range batch {
			if !batch[i].Expired(now) {
				out = append(out, batch[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Storage("find by recipient", err)
	}
	s.met.Retrieved.Add(float64(len(out)))

	if del && len(out) > 0 {
		got := make([]uuid.UUID, len(out))
		for i := range out {
			got[i] = out[i].ID
		}
		if _, err := s.repo.DeleteByRecipient(ctx, rh, got); err != nil {
			s.log.Warn("delete after retrieve", zap.String("recipient", recipient), zap.Error(err))
		} else {
			s.cache.Forget(got...)
		}
	}
	return out, nil
}

// CountByCategory tallies live messages per category.
func (s *MessageServiceImpl) CountByCategory(ctx context.Context, recipient string) (map[model.Category]int64, error) {
	if err := identity.ValidateAddress(recipient); err != nil {
		return nil, err
	}
	counts, err := s.repo.CountByCategory(ctx, s.hasher.Load().Sum(recipient), s.now())
	if err != nil {
		return nil, errs.Storage("count by category", err)
	}
	return counts, nil
}

// NextExpiring delegates to the look-ahead cache.
func (s *MessageServiceImpl) NextExpiring(ctx context.Context) (model.ExpiryEntry, error) {
	return s.cache.NextExpiring(ctx)
}

// DeleteByID removes one message. A missing id is not an error.
func (s *MessageServiceImpl) DeleteByID(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := s.repo.DeleteByID(ctx, id)
	if err != nil {
		return false, errs.Storage("delete by id", err)
	}
	s.cache.Forget(id)
	return n > 0, nil
}

// Migrate switches the service to the to rule, then rewrites stored hashes.
// Stores racing the switch may still land with from-rule hashes; running
// Migrate again picks them up.
func (s *MessageServiceImpl) Migrate(ctx context.Context, from, to identity.Rule) (rehash.Stats, error) {
	if s.migrator == nil {
		return rehash.Stats{}, fmt.Errorf("%w: no migrator configured", errs.ErrConfiguration)
	}
	s.hasher.Store(s.hasher.Load().WithRule(to))
	st, err := s.migrator.Run(ctx, from, to)
	if err != nil {
		return st, errs.Storage("migrate", err)
	}
	return st, nil
}

// SetQuota stores or clears a recipient override.
func (s *MessageServiceImpl) SetQuota(ctx context.Context, recipient string, limit *int) error {
	if err := identity.ValidateAddress(recipient); err != nil {
		return err
	}
	admin, ok := s.limits.(QuotaAdmin)
	if !ok {
		return fmt.Errorf("%w: quota overrides need the postgres limit provider", errs.ErrConfiguration)
	}
	var err error
	if limit == nil {
		err = admin.ClearLimit(ctx, recipient)
	} else {
		err = admin.SetLimit(ctx, recipient, *limit)
	}
	return errs.Storage("set quota", err)
}

type noCache struct{}

func (noCache) OnStore(context.Context, model.ExpiryEntry) {}

func (noCache) NextExpiring(ctx context.Context) (model.ExpiryEntry, error) {
	<-ctx.Done()
	return model.ExpiryEntry{}, ctx.Err()
}

func (noCache) Forget(...uuid.UUID) {}
