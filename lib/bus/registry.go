package bus

import (
	"sync"
)

// connRegistry is the process-wide mapping from server GUID to the shared
// connection for that server. Crashing a shared connection removes its
// entry right after the crashed state is stored, before any waiter wakes.
type connRegistry struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

var sharedConns = &connRegistry{conns: map[string]*Conn{}}

// lookup returns the first registered connection for any of the guids.
func (r *connRegistry) lookup(guids []string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, guid := range guids {
		if c, ok := r.conns[guid]; ok {
			return c
		}
	}
	return nil
}

// putIfAbsent registers c under guid and returns nil, or returns the
// connection that is already registered there.
func (r *connRegistry) putIfAbsent(guid string, c *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.conns[guid]; ok {
		return existing
	}
	r.conns[guid] = c
	return nil
}

// remove drops the entry, but only while it still points at c: a fresh
// connection registered under the same GUID stays.
func (r *connRegistry) remove(guid string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[guid] == c {
		delete(r.conns, guid)
	}
}
