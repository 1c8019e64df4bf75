package quota

import "context"

// LimitProvider returns the message limit in effect for a recipient.
// A negative value means unlimited.
type LimitProvider interface {
	LimitFor(ctx context.Context, recipient string) (int, error)
}

// Static applies one limit to every recipient.
type Static int

// LimitFor returns the static limit.
func (s Static) LimitFor(context.Context, string) (int, error) { return int(s), nil }

// LimitFunc adapts a function to LimitProvider.
type LimitFunc func(ctx context.Context, recipient string) (int, error)

// LimitFor calls f.
func (f LimitFunc) LimitFor(ctx context.Context, recipient string) (int, error) { return f(ctx, recipient) }
