// Package quota enforces the maximum number of stored messages per sender/recipient pair.
package quota

import (
	"context"
	"hash/maphash"
	"sync"
)

// Counter reports the exact number of stored records for a pair.
type Counter interface {
	CountFor(ctx context.Context, senderHash, recipientHash []byte) (int64, error)
}

// Guard compares the stored count for a pair against a caller-supplied limit.
//
// Counting and inserting are separate operations, so two writers in different
// processes may both pass the check. Callers needing a hard cap serialize writers
// per pair (see KeyedMutex) or use the repository's atomic conditional insert.
type Guard struct {
	counter Counter
}

// NewGuard constructs a Guard.
func NewGuard(c Counter) *Guard { return &Guard{counter: c} }

// CheckAndReserve reports whether one more record fits under limit.
// A negative limit means unlimited and skips the count.
func (g *Guard) CheckAndReserve(ctx context.Context, senderHash, recipientHash []byte, limit int) (bool, error) {
	if limit < 0 {
		return true, nil
	}
	if limit == 0 {
		return false, nil
	}
	n, err := g.counter.CountFor(ctx, senderHash, recipientHash)
	if err != nil {
		return false, err
	}
	return n < int64(limit), nil
}

const stripes = 256

// KeyedMutex serializes work per sender/recipient pair inside one process
// using a fixed set of striped locks.
type KeyedMutex struct {
	seed  maphash.Seed
	locks [stripes]sync.Mutex
}

// NewKeyedMutex constructs a KeyedMutex.
func NewKeyedMutex() *KeyedMutex { return &KeyedMutex{seed: maphash.MakeSeed()} }

// Lock acquires the stripe for the pair and returns its unlock func.
func (k *KeyedMutex) Lock(senderHash, recipientHash []byte) func() {
	var h maphash.Hash
	h.SetSeed(k.seed)
	_, _ = h.Write(senderHash)
	_ = h.WriteByte(0)
	_, _ = h.Write(recipientHash)
	mu := &k.locks[h.Sum64()%stripes]
	mu.Lock()
	return mu.Unlock
}
