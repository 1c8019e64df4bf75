// Package convert maps domain values to and from structpb messages of the admin API.
package convert

import (
	"fmt"
	"math"
	"sort"
	"time"

	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/offline-keeper/internal/errs"
	model "github.com/and161185/offline-keeper/internal/model"
)

// MaxTTLSeconds is the largest ttl_seconds that still fits a time.Duration.
const MaxTTLSeconds = math.MaxInt64 / int64(time.Second)

// maxExactInt is the largest integer a float64 holds without rounding.
const maxExactInt = 1 << 53

// --- helpers ---

func ts(t time.Time) *structpb.Value {
	if t.IsZero() {
		return structpb.NewNullValue()
	}
	return structpb.NewStringValue(t.UTC().Format(time.RFC3339Nano))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrConfiguration, fmt.Sprintf(format, args...))
}

func field(in *structpb.Struct, key string) (*structpb.Value, bool) {
	if in == nil {
		return nil, false
	}
	v, ok := in.GetFields()[key]
	if !ok {
		return nil, false
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return nil, false
	}
	return v, true
}

// String reads a string field; absent gives "".
func String(in *structpb.Struct, key string) (string, error) {
	v, ok := field(in, key)
	if !ok {
		return "", nil
	}
	s, isStr := v.GetKind().(*structpb.Value_StringValue)
	if !isStr {
		return "", invalid("%s must be a string", key)
	}
	return s.StringValue, nil
}

// Bool reads a bool field; absent gives false.
func Bool(in *structpb.Struct, key string) (bool, error) {
	v, ok := field(in, key)
	if !ok {
		return false, nil
	}
	b, isBool := v.GetKind().(*structpb.Value_BoolValue)
	if !isBool {
		return false, invalid("%s must be a bool", key)
	}
	return b.BoolValue, nil
}

// Int reads an integral number field; absent gives nil.
func Int(in *structpb.Struct, key string) (*int, error) {
	v, ok := field(in, key)
	if !ok {
		return nil, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || math.Abs(n.NumberValue) > maxExactInt || n.NumberValue != math.Trunc(n.NumberValue) {
		return nil, invalid("%s must be an integer", key)
	}
	i := int(n.NumberValue)
	return &i, nil
}

// ID reads a uuid string field.
func ID(in *structpb.Struct, key string) (u.UUID, error) {
	s, err := String(in, key)
	if err != nil {
		return u.Nil, err
	}
	id, err := u.FromString(s)
	if err != nil {
		return u.Nil, invalid("%s: %v", key, err)
	}
	return id, nil
}

// IDs reads a list of uuid strings. An absent field gives nil (no filter);
// a present empty list gives an empty, non-nil slice.
func IDs(in *structpb.Struct, key string) ([]u.UUID, error) {
	v, ok := field(in, key)
	if !ok {
		return nil, nil
	}
	lv, isList := v.GetKind().(*structpb.Value_ListValue)
	if !isList {
		return nil, invalid("%s must be a list", key)
	}
	out := make([]u.UUID, 0, len(lv.ListValue.GetValues()))
	for i, item := range lv.ListValue.GetValues() {
		id, err := u.FromString(item.GetStringValue())
		if err != nil {
			return nil, invalid("%s[%d]: %v", key, i, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// --- Store (client -> server) ---

// FromStructStoreRequest reads {from, to, payload, category, expires_at | ttl_seconds}.
// expires_at is RFC 3339; ttl_seconds is relative to now.
func FromStructStoreRequest(in *structpb.Struct, now time.Time) (model.StoreRequest, error) {
	var r model.StoreRequest
	var err error
	if r.From, err = String(in, "from"); err != nil {
		return r, err
	}
	if r.To, err = String(in, "to"); err != nil {
		return r, err
	}
	payload, err := String(in, "payload")
	if err != nil {
		return r, err
	}
	r.Payload = []byte(payload)

	cat, err := String(in, "category")
	if err != nil {
		return r, err
	}
	if r.Category, err = model.ParseCategory(cat); err != nil {
		return r, invalid("%v", err)
	}

	exp, err := String(in, "expires_at")
	if err != nil {
		return r, err
	}
	ttl, err := Int(in, "ttl_seconds")
	if err != nil {
		return r, err
	}
	switch {
	case exp != "" && ttl != nil:
		return r, invalid("expires_at and ttl_seconds are exclusive")
	case exp != "":
		t, err := time.Parse(time.RFC3339Nano, exp)
		if err != nil {
			return r, invalid("expires_at: %v", err)
		}
		r.ExpiresAt = &t
	case ttl != nil:
		if *ttl <= 0 {
			return r, invalid("ttl_seconds must be positive")
		}
		if int64(*ttl) > MaxTTLSeconds {
			return r, invalid("ttl_seconds must not exceed %d", MaxTTLSeconds)
		}
		t := now.Add(time.Duration(*ttl) * time.Second)
		r.ExpiresAt = &t
	}
	return r, nil
}

// --- Messages (server -> client) ---

// ToValueMessage converts a stored message for display.
func ToValueMessage(m model.Message) *structpb.Value {
	var exp time.Time
	if m.ExpiresAt != nil {
		exp = *m.ExpiresAt
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"id":         structpb.NewStringValue(m.ID.String()),
		"from":       structpb.NewStringValue(m.Sender),
		"to":         structpb.NewStringValue(m.Recipient),
		"payload":    structpb.NewStringValue(string(m.Payload)),
		"category":   structpb.NewStringValue(string(m.Category)),
		"stored_at":  ts(m.StoredAt),
		"expires_at": ts(exp),
	}})
}

// ToStructMessages wraps messages as {"messages": [...]}.
func ToStructMessages(ms []model.Message) *structpb.Struct {
	vals := make([]*structpb.Value, 0, len(ms))
	for _, m := range ms {
		vals = append(vals, ToValueMessage(m))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"messages": structpb.NewListValue(&structpb.ListValue{Values: vals}),
	}}
}

// ToStructCounts wraps per-category counts as {"counts": {...}, "total": n}.
func ToStructCounts(counts map[model.Category]int64) *structpb.Struct {
	keys := make([]string, 0, len(counts))
	for c := range counts {
		keys = append(keys, string(c))
	}
	sort.Strings(keys)

	fields := make(map[string]*structpb.Value, len(counts))
	var total int64
	for _, k := range keys {
		n := counts[model.Category(k)]
		fields[k] = structpb.NewNumberValue(float64(n))
		total += n
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"counts": structpb.NewStructValue(&structpb.Struct{Fields: fields}),
		"total":  structpb.NewNumberValue(float64(total)),
	}}
}

// ToStructFlag builds a one-field boolean response such as {"stored": true}.
func ToStructFlag(key string, v bool) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{key: structpb.NewBoolValue(v)}}
}
