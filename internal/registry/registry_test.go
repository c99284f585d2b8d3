package registry

import (
	"net/netip"
	"sync"
	"testing"
)

func mustAddr(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	a, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := New()
	a1 := mustAddr(t, "1.2.3.4:1000")
	a2 := mustAddr(t, "5.6.7.8:2000")

	if !r.Register("AG001", a1) {
		t.Fatal("first registration should succeed")
	}
	if r.Register("AG001", a2) {
		t.Fatal("duplicate registration should fail")
	}

	got, ok := r.Address("AG001")
	if !ok || got != a1 {
		t.Fatalf("address = %v, %v; want %v, true (original address kept)", got, ok, a1)
	}
}

func TestAddressUnknown(t *testing.T) {
	r := New()
	if _, ok := r.Address("NOPE"); ok {
		t.Fatal("expected absent")
	}
}

func TestRegisterConcurrentOnlyOneWins(t *testing.T) {
	r := New()
	const n = 50
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Register("AG001", mustAddr(t, "1.2.3.4:1000"))
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, ok := range results {
		if ok {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("successes = %d, want 1", successes)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}
