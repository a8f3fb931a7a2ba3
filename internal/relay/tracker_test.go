package relay

import (
	"net/netip"
	"sync"
	"testing"
)

func TestTrackerEmpty(t *testing.T) {
	tr := NewAddrTracker()
	if _, ok := tr.Get(); ok {
		t.Fatal("Get() on empty tracker should report false")
	}
}

func TestTrackerSetSequence(t *testing.T) {
	a := netip.MustParseAddrPort("10.0.0.1:5000")
	b := netip.MustParseAddrPort("10.0.0.2:6000")

	tr := NewAddrTracker()
	if !tr.Set(a) {
		t.Error("first Set(a) should write")
	}
	if tr.Set(a) {
		t.Error("repeated Set(a) should not write")
	}
	if !tr.Set(b) {
		t.Error("Set(b) after a should write")
	}

	got, ok := tr.Get()
	if !ok || got != b {
		t.Errorf("Get() = %v, %v, want %v, true", got, ok, b)
	}
}

func TestSeededTracker(t *testing.T) {
	addr := netip.MustParseAddrPort("192.0.2.1:53")
	tr := NewSeededTracker(addr)

	got, ok := tr.Get()
	if !ok || got != addr {
		t.Fatalf("Get() = %v, %v, want %v, true", got, ok, addr)
	}
	if tr.Set(addr) {
		t.Error("Set with the seeded address should not write")
	}
}

func TestTrackerConcurrentSet(t *testing.T) {
	addrs := []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:1000"),
		netip.MustParseAddrPort("10.0.0.2:2000"),
		netip.MustParseAddrPort("10.0.0.3:3000"),
	}

	tr := NewAddrTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tr.Set(addrs[(i+j)%len(addrs)])
				tr.Get()
			}
		}(i)
	}
	wg.Wait()

	got, ok := tr.Get()
	if !ok {
		t.Fatal("tracker should hold an address after concurrent sets")
	}
	found := false
	for _, a := range addrs {
		if got == a {
			found = true
		}
	}
	if !found {
		t.Errorf("Get() = %v, not one of the written addresses", got)
	}
}
