package peer

import (
	"net/netip"
	"weak"
)

// Handle is a non-owning reference to a Conn. It does not keep the
// connection alive; once the connection goroutine exits and nothing else
// references the Conn, Get returns nil.
type Handle struct {
	ptr      weak.Pointer[Conn]
	endpoint netip.AddrPort
	dir      Direction
}

// NewHandle returns a handle to c.
func NewHandle(c *Conn) *Handle {
	return &Handle{
		ptr:      weak.Make(c),
		endpoint: c.endpoint,
		dir:      c.dir,
	}
}

// Get returns the connection if it is still alive and usable.
func (h *Handle) Get() *Conn {
	c := h.ptr.Value()
	if c == nil || !c.IsValid() {
		return nil
	}
	return c
}

// Raw returns the connection while it is still referenced, whether or not
// it is usable.
func (h *Handle) Raw() *Conn {
	return h.ptr.Value()
}

// Alive reports whether Get would return a connection.
func (h *Handle) Alive() bool {
	return h.Get() != nil
}

// Endpoint returns the remote endpoint the handle was created for.
func (h *Handle) Endpoint() netip.AddrPort { return h.endpoint }

// Direction returns the direction of the referenced connection.
func (h *Handle) Direction() Direction { return h.dir }
