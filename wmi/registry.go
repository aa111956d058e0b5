package wmi

import "sync"

// ConnRef is a non-owning reference to a Connection. It resolves only while
// the connection is open.
type ConnRef uint64

var registry = struct {
	mu    sync.RWMutex
	next  ConnRef
	conns map[ConnRef]*Connection
}{conns: make(map[ConnRef]*Connection)}

func register(c *Connection) ConnRef {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.next++
	registry.conns[registry.next] = c
	return registry.next
}

func unregister(ref ConnRef) {
	registry.mu.Lock()
	delete(registry.conns, ref)
	registry.mu.Unlock()
}

// Connection returns the referenced connection, or false once it has been
// closed.
func (r ConnRef) Connection() (*Connection, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	c, ok := registry.conns[r]
	return c, ok
}
