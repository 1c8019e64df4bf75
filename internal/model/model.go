// Package model defines domain entities used by services and repositories.
package model

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Category is the message kind used for per-type counting.
type Category string

// Known categories.
const (
	CategoryChat      Category = "chat"
	CategoryGroupChat Category = "groupchat"
	CategoryHeadline  Category = "headline"
	CategoryNormal    Category = "normal"
	CategoryError     Category = "error"
	CategoryNone      Category = "none"
)

// ParseCategory maps a wire string to a Category. Empty input is CategoryNone.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return CategoryNone, nil
	case CategoryChat, CategoryGroupChat, CategoryHeadline, CategoryNormal, CategoryError, CategoryNone:
		return c, nil
	default:
		return "", fmt.Errorf("unknown category %q", s)
	}
}

// Message is a single stored offline message.
type Message struct {
	ID            uuid.UUID  // store-assigned, time-sortable (V7)
	SenderHash    []byte     // digest of normalized sender address
	RecipientHash []byte     // digest of normalized recipient address
	Sender        string     // original-case sender, display only
	Recipient     string     // original-case recipient, display only
	Payload       []byte     // opaque serialized stanza
	Category      Category   // message kind
	StoredAt      time.Time  // creation time
	ExpiresAt     *time.Time // nil: never expires via the look-ahead cache
	UpdatedAt     time.Time  // last modification (hash rewrite), equals StoredAt on insert
}

// Expired reports whether the message has an expiry at or before now.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// ExpiryEntry returns the look-ahead projection of a message with an expiry.
func (m *Message) ExpiryEntry() (ExpiryEntry, bool) {
	if m.ExpiresAt == nil {
		return ExpiryEntry{}, false
	}
	return ExpiryEntry{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Payload:   m.Payload,
		ExpiresAt: *m.ExpiresAt,
	}, true
}

// ExpiryEntry is the in-memory projection held by the expiry cache. Never persisted.
type ExpiryEntry struct {
	ID        uuid.UUID
	Sender    string
	Recipient string
	Payload   []byte
	ExpiresAt time.Time
}

// Before orders entries by expiry, then id.
func (e ExpiryEntry) Before(o ExpiryEntry) bool {
	if !e.ExpiresAt.Equal(o.ExpiresAt) {
		return e.ExpiresAt.Before(o.ExpiresAt)
	}
	return bytes.Compare(e.ID[:], o.ID[:]) < 0
}

// StoreRequest is a producer's intent to store one message.
type StoreRequest struct {
	From      string
	To        string
	Payload   []byte
	Category  Category
	ExpiresAt *time.Time
}
