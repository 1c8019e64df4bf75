// Package identity maps addresses to fixed-length digests used as index keys,
// so stored indexes never reveal plaintext addresses.
package identity

import (
	"crypto/sha1" //nolint:gosec // index key, not a security boundary
	"crypto/sha256"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/and161185/offline-keeper/internal/errs"
)

// Digest algorithm names accepted by NewHasher.
const (
	AlgSHA1       = "sha1"
	AlgSHA256     = "sha256"
	AlgBLAKE2b256 = "blake2b-256"
)

var algorithms = map[string]func() hash.Hash{
	AlgSHA1:   sha1.New,
	AlgSHA256: sha256.New,
	AlgBLAKE2b256: func() hash.Hash {
		h, err := blake2b.New256(nil)
		if err != nil {
			// unkeyed construction cannot fail
			panic(err)
		}
		return h
	},
}

// Hasher computes deterministic, unsalted digests of normalized addresses.
// It is safe for concurrent use.
type Hasher struct {
	alg     string
	newHash func() hash.Hash
	rule    Rule
}

// NewHasher returns a Hasher for the named algorithm and rule.
// An unknown algorithm is a fatal configuration error.
func NewHasher(alg string, rule Rule) (*Hasher, error) {
	alg = strings.ToLower(strings.TrimSpace(alg))
	if alg == "" {
		alg = AlgSHA256
	}
	fn, ok := algorithms[alg]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported digest %q", errs.ErrConfiguration, alg)
	}
	if _, err := ParseRule(string(rule)); err != nil {
		return nil, err
	}
	if rule == "" {
		rule = RuleLower
	}
	return &Hasher{alg: alg, newHash: fn, rule: rule}, nil
}

// MustHasher is NewHasher that panics on error. Intended for tests and static setup.
func MustHasher(alg string, rule Rule) *Hasher {
	h, err := NewHasher(alg, rule)
	if err != nil {
		panic(err)
	}
	return h
}

// Sum returns digest(normalize(addr)).
func (h *Hasher) Sum(addr string) []byte {
	d := h.newHash()
	_, _ = d.Write([]byte(h.rule.Normalize(addr)))
	return d.Sum(nil)
}

// Size is the digest length in bytes.
func (h *Hasher) Size() int { return h.newHash().Size() }

// Rule returns the normalization rule in effect.
func (h *Hasher) Rule() Rule { return h.rule }

// Algorithm returns the digest name.
func (h *Hasher) Algorithm() string { return h.alg }

// WithRule returns a hasher with the same digest and a different rule.
func (h *Hasher) WithRule(rule Rule) *Hasher {
	return &Hasher{alg: h.alg, newHash: h.newHash, rule: rule}
}
