package socket

import "sync"

// globalBuckets mirrors the 1024-bucket port table named in spec §3
// ("Socket table (1024 buckets)").
const globalBuckets = 1024

// Table is the global port -> Socket table used to demultiplex incoming
// packets by destination port (spec §4.3). Insert/Remove take a single
// writer lock; Find is safe to call concurrently with either.
type Table struct {
	mu      sync.RWMutex
	sockets map[uint16]*Socket
}

// NewTable creates an empty global socket table.
func NewTable() *Table {
	return &Table{sockets: make(map[uint16]*Socket, globalBuckets)}
}

// Insert registers a socket under port. Both the client port and, once
// bound, the server port are registered so either kind of packet can
// find its socket.
func (t *Table) Insert(port uint16, s *Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sockets[port] = s
}

// Find looks up the socket bound to port, if any.
func (t *Table) Find(port uint16) (*Socket, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sockets[port]
	return s, ok
}

// Remove unregisters port, e.g. on socket Close.
func (t *Table) Remove(port uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sockets, port)
}

// Walk calls fn for every registered socket. It snapshots the port list
// under the read lock and releases it before calling fn, so fn remains
// safe to call even if it triggers a concurrent Insert or Remove on this
// same table - the "scan that tolerates concurrent removal of the
// current or future entry" property spec §4.3 asks for.
func (t *Table) Walk(fn func(port uint16, s *Socket)) {
	t.mu.RLock()
	type entry struct {
		port uint16
		s    *Socket
	}
	entries := make([]entry, 0, len(t.sockets))
	for port, s := range t.sockets {
		entries = append(entries, entry{port, s})
	}
	t.mu.RUnlock()

	for _, e := range entries {
		fn(e.port, e.s)
	}
}

// Len returns the number of registered sockets.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sockets)
}
