package identity

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/and161185/offline-keeper/internal/errs"
)

func TestHasher_DeterministicAndCaseInsensitive(t *testing.T) {
	t.Parallel()

	for _, alg := range []string{AlgSHA1, AlgSHA256, AlgBLAKE2b256} {
		h := MustHasher(alg, RuleLower)
		a := h.Sum("Foo@Bar")
		b := h.Sum("foo@bar")
		if !bytes.Equal(a, b) {
			t.Fatalf("%s: case variants must collide", alg)
		}
		if !bytes.Equal(a, h.Sum("Foo@Bar")) {
			t.Fatalf("%s: not deterministic", alg)
		}
		if len(a) != h.Size() {
			t.Fatalf("%s: len=%d want %d", alg, len(a), h.Size())
		}
		if bytes.Equal(a, h.Sum("foo@baz")) {
			t.Fatalf("%s: distinct addresses collided", alg)
		}
	}
}

func TestHasher_StableAcrossInstances(t *testing.T) {
	t.Parallel()

	// sha256("bob@example.com"): fixed so a restart can never re-key the index.
	const want = "5ff860bf1190596c7188ab851db691f0f3169c453936e9e1eba2f9a47f7a0018"
	got := hex.EncodeToString(MustHasher(AlgSHA256, RuleLower).Sum("Bob@Example.com"))
	again := hex.EncodeToString(MustHasher(AlgSHA256, RuleLower).Sum("bob@example.com"))
	if got != again {
		t.Fatalf("instances disagree: %s vs %s", got, again)
	}
	if got != want {
		t.Fatalf("digest drifted: %s", got)
	}
}

func TestHasher_ExactRuleKeepsCase(t *testing.T) {
	t.Parallel()

	h := MustHasher(AlgSHA256, RuleExact)
	if bytes.Equal(h.Sum("Bob@Example.com"), h.Sum("bob@example.com")) {
		t.Fatalf("exact rule must not fold case")
	}
	lower := h.WithRule(RuleLower)
	if !bytes.Equal(lower.Sum("Bob@Example.com"), h.Sum("bob@example.com")) {
		t.Fatalf("WithRule(lower) must match exact hash of lower-cased input")
	}
	if lower.Algorithm() != AlgSHA256 || lower.Rule() != RuleLower {
		t.Fatalf("WithRule changed algorithm or ignored rule")
	}
}

func TestHasher_FoldRule(t *testing.T) {
	t.Parallel()

	h := MustHasher(AlgSHA256, RuleFold)
	if !bytes.Equal(h.Sum("STRASSE@example.com"), h.Sum("straße@example.com")) {
		t.Fatalf("fold rule must fold ß to ss")
	}
}

func TestNewHasher_ConfigurationErrors(t *testing.T) {
	t.Parallel()

	if _, err := NewHasher("md4", RuleLower); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration for unknown digest, got %v", err)
	}
	if _, err := NewHasher(AlgSHA256, Rule("upper")); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration for unknown rule, got %v", err)
	}
	h, err := NewHasher("", "")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if h.Algorithm() != AlgSHA256 || h.Rule() != RuleLower {
		t.Fatalf("defaults: alg=%s rule=%s", h.Algorithm(), h.Rule())
	}
}

func TestValidateAddress(t *testing.T) {
	t.Parallel()

	ok := []string{"bob@example.com", "example.com", "room@conference.example.com/nick"}
	for _, a := range ok {
		if err := ValidateAddress(a); err != nil {
			t.Fatalf("%q: unexpected %v", a, err)
		}
	}
	bad := []string{"", "bob @example.com", "bob@example.com\n", strings.Repeat("a", maxAddressLen+1)}
	for _, a := range bad {
		err := ValidateAddress(a)
		if !errors.Is(err, errs.ErrInvalidAddress) || !errors.Is(err, errs.ErrConfiguration) {
			t.Fatalf("%q: want ErrInvalidAddress, got %v", a, err)
		}
	}
}

func TestParseRule(t *testing.T) {
	t.Parallel()

	cases := map[string]Rule{"": RuleLower, "LOWER": RuleLower, "exact": RuleExact, " fold ": RuleFold}
	for in, want := range cases {
		got, err := ParseRule(in)
		if err != nil || got != want {
			t.Fatalf("ParseRule(%q)=%q,%v want %q", in, got, err, want)
		}
	}
}
