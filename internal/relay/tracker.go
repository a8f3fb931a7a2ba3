// Package relay pumps UDP datagrams across a pool of framed connections.
// The write side serializes datagram reads from one UDP socket and fans the
// corresponding frame writes out over independently scheduled goroutines;
// the read side decodes inbound frames and injects their payloads back into
// the socket, targeted at the most recently observed peer address.
package relay

import (
	"net/netip"
	"sync"
)

// AddrTracker records the most recent datagram source address so return
// traffic can be routed back to it. It is read-mostly: many consecutive
// datagrams arrive from the same peer, so staleness is checked under a read
// lock and the write lock is taken only when the address actually changes.
//
// The tracker is passed explicitly to both the write and read pipelines;
// it is the only state they share.
type AddrTracker struct {
	mu   sync.RWMutex
	addr netip.AddrPort
	ok   bool
}

// NewAddrTracker creates an empty tracker.
func NewAddrTracker() *AddrTracker {
	return &AddrTracker{}
}

// NewSeededTracker creates a tracker pre-populated with addr. The server
// side uses this so the read pipeline can target its fixed upstream before
// any return datagram has been seen.
func NewSeededTracker(addr netip.AddrPort) *AddrTracker {
	return &AddrTracker{addr: addr, ok: true}
}

// Set records addr if it differs from the currently held address. It
// reports whether a write occurred.
func (t *AddrTracker) Set(addr netip.AddrPort) bool {
	t.mu.RLock()
	current := t.ok && t.addr == addr
	t.mu.RUnlock()
	if current {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ok && t.addr == addr {
		return false
	}
	t.addr = addr
	t.ok = true
	return true
}

// Get returns the recorded address, or false if no datagram has been
// observed yet.
func (t *AddrTracker) Get() (netip.AddrPort, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.addr, t.ok
}
