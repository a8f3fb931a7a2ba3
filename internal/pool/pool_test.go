package pool

import (
	"sync"
	"sync/atomic"
	"testing"
)

type fakeEntry struct {
	id     int
	closed atomic.Bool
}

func (e *fakeEntry) IsClosed() bool { return e.closed.Load() }

func TestAcquireEmpty(t *testing.T) {
	p := New[*fakeEntry]()
	if _, ok := p.Acquire(); ok {
		t.Error("Acquire on empty pool returned an entry")
	}
}

func TestPushAcquire(t *testing.T) {
	p := New[*fakeEntry]()
	e := &fakeEntry{id: 1}
	p.Push(e)

	got, ok := p.Acquire()
	if !ok {
		t.Fatal("Acquire returned nothing after Push")
	}
	if got != e {
		t.Errorf("Acquire returned entry %d, want %d", got.id, e.id)
	}

	// Ownership transferred: the pool must now be empty.
	if _, ok := p.Acquire(); ok {
		t.Error("entry still in pool after acquisition")
	}
}

func TestAcquireSkipsClosed(t *testing.T) {
	p := New[*fakeEntry]()

	closed := &fakeEntry{id: 1}
	closed.closed.Store(true)
	live := &fakeEntry{id: 2}

	p.Push(closed)
	p.Push(live)
	p.Push(closed)

	got, ok := p.Acquire()
	if !ok {
		t.Fatal("Acquire returned nothing")
	}
	if got.IsClosed() {
		t.Error("Acquire returned a closed entry")
	}
	if got != live {
		t.Errorf("Acquire returned entry %d, want %d", got.id, live.id)
	}

	// Only closed entries remain; they are discarded, not returned.
	if _, ok := p.Acquire(); ok {
		t.Error("Acquire returned a closed entry from drained pool")
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d after discarding closed entries, want 0", p.Len())
	}
}

func TestAcquireAllClosed(t *testing.T) {
	p := New[*fakeEntry]()
	for i := 0; i < 5; i++ {
		e := &fakeEntry{id: i}
		e.closed.Store(true)
		p.Push(e)
	}
	if _, ok := p.Acquire(); ok {
		t.Error("Acquire returned an entry from a pool of closed entries")
	}
}

func TestDrain(t *testing.T) {
	p := New[*fakeEntry]()
	for i := 0; i < 3; i++ {
		p.Push(&fakeEntry{id: i})
	}
	drained := p.Drain()
	if len(drained) != 3 {
		t.Errorf("Drain returned %d entries, want 3", len(drained))
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d after Drain, want 0", p.Len())
	}
}

func TestConcurrentCheckoutReturn(t *testing.T) {
	p := New[*fakeEntry]()
	for i := 0; i < 8; i++ {
		p.Push(&fakeEntry{id: i})
	}

	var acquired atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				e, ok := p.Acquire()
				if !ok {
					continue
				}
				acquired.Add(1)
				p.Push(e)
			}
		}()
	}
	wg.Wait()

	if acquired.Load() == 0 {
		t.Error("no successful acquisitions under concurrency")
	}
	if n := p.Len(); n != 8 {
		t.Errorf("Len() = %d after checkout/return cycles, want 8", n)
	}
}
