package identity

import "sync/atomic"

// Current holds the active Hasher. Every component keying by address digest
// shares one Current, so a rule switch reaches all of them at once.
type Current struct{ p atomic.Pointer[Hasher] }

func NewCurrent(h *Hasher) *Current {
	c := &Current{}
	c.p.Store(h)
	return c
}

func (c *Current) Load() *Hasher { return c.p.Load() }

func (c *Current) Store(h *Hasher) { c.p.Store(h) }

// Sum digests addr with the hasher active at call time.
func (c *Current) Sum(addr string) []byte { return c.p.Load().Sum(addr) }
