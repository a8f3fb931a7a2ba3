// Package pool provides a concurrency-safe container of liveness-checked
// connection entries. The pool hands out entries for exclusive use and
// takes them back explicitly; it inspects nothing about an entry beyond
// its liveness predicate.
package pool

import "sync"

// Entry is anything the pool can manage. The pool only ever calls
// IsClosed; entries found closed during acquisition are discarded.
type Entry interface {
	IsClosed() bool
}

// Pool is an unordered set of entries with a checkout/return contract:
// Acquire transfers exclusive ownership to the caller, and the caller must
// Push the entry back to make it available again. There is no FIFO or
// priority guarantee. Closed entries are dropped lazily when next drawn,
// never swept proactively.
type Pool[E Entry] struct {
	mu      sync.Mutex
	entries []E
}

// New creates an empty pool.
func New[E Entry]() *Pool[E] {
	return &Pool[E]{}
}

// Push adds one entry to the managed set. It is safe from any goroutine
// and never blocks.
func (p *Pool[E]) Push(entry E) {
	p.mu.Lock()
	p.entries = append(p.entries, entry)
	p.mu.Unlock()
}

// Acquire obtains one entry for exclusive use, or reports false when the
// set is empty. Entries whose liveness predicate reports closed are
// discarded during acquisition and never returned.
func (p *Pool[E]) Acquire() (E, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.entries) > 0 {
		last := len(p.entries) - 1
		entry := p.entries[last]
		var zero E
		p.entries[last] = zero // release the reference
		p.entries = p.entries[:last]

		if entry.IsClosed() {
			continue
		}
		return entry, true
	}

	var zero E
	return zero, false
}

// Len reports the number of entries currently held by the pool, including
// any that have gone closed since they were pushed.
func (p *Pool[E]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Drain removes and returns every entry, live or closed. Used at shutdown
// to close the underlying connections.
func (p *Pool[E]) Drain() []E {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.entries
	p.entries = nil
	return entries
}
