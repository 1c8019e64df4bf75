package identity

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"

	"github.com/and161185/offline-keeper/internal/errs"
)

// Rule is an address normalization rule applied before hashing.
type Rule string

// Supported rules.
const (
	RuleExact Rule = "exact" // no normalization
	RuleLower Rule = "lower" // ASCII/Unicode lower-casing
	RuleFold  Rule = "fold"  // Unicode case folding
)

// maxAddressLen matches the usual JID length ceiling (3 x 1023 parts + separators).
const maxAddressLen = 3071

// ParseRule maps a config string to a Rule.
func ParseRule(s string) (Rule, error) {
	switch r := Rule(strings.ToLower(strings.TrimSpace(s))); r {
	case RuleExact, RuleLower, RuleFold:
		return r, nil
	case "":
		return RuleLower, nil
	default:
		return "", fmt.Errorf("%w: unknown normalization rule %q", errs.ErrConfiguration, s)
	}
}

// Normalize applies the rule to addr.
func (r Rule) Normalize(addr string) string {
	switch r {
	case RuleLower:
		return strings.ToLower(addr)
	case RuleFold:
		// Casers are stateful; one per call.
		return cases.Fold().String(addr)
	default:
		return addr
	}
}

// ValidateAddress rejects empty, over-long, and whitespace/control-containing addresses.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: empty", errs.ErrInvalidAddress)
	}
	if len(addr) > maxAddressLen {
		return fmt.Errorf("%w: too long (%d bytes)", errs.ErrInvalidAddress, len(addr))
	}
	for _, r := range addr {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: contains whitespace or control characters", errs.ErrInvalidAddress)
		}
	}
	return nil
}
