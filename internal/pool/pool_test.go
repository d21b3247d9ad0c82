package pool

import (
	"errors"
	"sync"
	"testing"

	"github.com/alvmarrod/web-shuttle/internal/faults"
	"github.com/alvmarrod/web-shuttle/internal/target"
)

func testProxies(n int) []target.Proxy {
	proxies := make([]target.Proxy, n)
	for i := range proxies {
		proxies[i] = target.Proxy{Scheme: target.SchemeHTTP, Host: "10.0.0.1", Port: 8000 + i}
	}
	return proxies
}

func TestClaimLinkIsExclusive(t *testing.T) {
	p := New([]string{"http://a", "http://b", "http://c"}, nil, WithSeed(1))

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		l, err := p.ClaimLink()
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if seen[l.Index] {
			t.Fatalf("link %d claimed twice", l.Index)
		}
		if !l.Busy {
			t.Errorf("claimed link %d not marked busy", l.Index)
		}
		seen[l.Index] = true
	}

	if _, err := p.ClaimLink(); !errors.Is(err, faults.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if free := p.FreeLinks(); len(free) != 0 {
		t.Errorf("FreeLinks() = %v, want empty", free)
	}

	p.ReleaseLink(1)
	l, err := p.ClaimLink()
	if err != nil || l.Index != 1 {
		t.Fatalf("expected to reclaim link 1, got %+v, %v", l, err)
	}
}

func TestClaimLinkIsUniform(t *testing.T) {
	p := New([]string{"http://a", "http://b", "http://c", "http://d"}, nil, WithSeed(42))

	counts := make([]int, 4)
	const rounds = 4000
	for i := 0; i < rounds; i++ {
		l, err := p.ClaimLink()
		if err != nil {
			t.Fatal(err)
		}
		counts[l.Index]++
		p.ReleaseLink(l.Index)
	}
	for i, c := range counts {
		if c < rounds/4-200 || c > rounds/4+200 {
			t.Errorf("link %d picked %d times out of %d", i, c, rounds)
		}
	}
}

func TestClaimProxyFallsBackWhenAllBusy(t *testing.T) {
	p := New([]string{"http://a"}, testProxies(2), WithSeed(7))

	first, shared, err := p.ClaimProxy()
	if err != nil || shared {
		t.Fatalf("first claim: %+v shared=%v err=%v", first, shared, err)
	}
	second, shared, err := p.ClaimProxy()
	if err != nil || shared {
		t.Fatalf("second claim: %+v shared=%v err=%v", second, shared, err)
	}
	if first.Index == second.Index {
		t.Fatalf("proxy %d handed out twice while another was free", first.Index)
	}

	third, shared, err := p.ClaimProxy()
	if err != nil {
		t.Fatal(err)
	}
	if !shared {
		t.Error("expected a shared claim once every proxy is busy")
	}

	// The shared proxy stays busy until both holders release it.
	p.ReleaseProxy(third.Index)
	snap := p.Snapshot()
	if !snap.Proxies[third.Index].Busy {
		t.Error("proxy freed while still held by another worker")
	}
	p.ReleaseProxy(third.Index)
	if p.Snapshot().Proxies[third.Index].Busy {
		t.Error("proxy still busy after every holder released it")
	}
}

func TestClaimProxyEmptyPool(t *testing.T) {
	p := New([]string{"http://a"}, nil)
	if _, _, err := p.ClaimProxy(); !errors.Is(err, faults.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	p := New([]string{"http://a"}, testProxies(1))

	l, _ := p.ClaimLink()
	px, _, _ := p.ClaimProxy()

	p.ReleaseLink(l.Index)
	p.ReleaseLink(l.Index)
	p.ReleaseProxy(px.Index)
	p.ReleaseProxy(px.Index)
	p.ReleaseLink(99)
	p.ReleaseProxy(-1)

	snap := p.Snapshot()
	if snap.Links[0].Busy || snap.Proxies[0].Busy || snap.Proxies[0].Claims != 0 {
		t.Fatalf("unexpected state after double release: %+v", snap)
	}
	if len(p.FreeLinks()) != 1 || len(p.FreeProxies()) != 1 {
		t.Error("resources should be free after release")
	}
}

func TestRecordOutcome(t *testing.T) {
	p := New([]string{"http://a"}, testProxies(1))

	p.RecordLink(0, false, "unexpected response code: 500")
	p.RecordLink(0, true, "")
	p.RecordProxy(0, true)
	p.RecordProxy(0, false)

	snap := p.Snapshot()
	l := snap.Links[0]
	if l.Hits != 1 || l.Errors != 1 {
		t.Errorf("link counters = %d/%d, want 1/1", l.Hits, l.Errors)
	}
	if l.LastError != "unexpected response code: 500" {
		t.Errorf("LastError = %q, success must not clear it", l.LastError)
	}
	if snap.Proxies[0].Hits != 1 || snap.Proxies[0].Errors != 1 {
		t.Errorf("proxy counters = %+v", snap.Proxies[0])
	}
	if hits, errs := snap.Totals(); hits != 1 || errs != 1 {
		t.Errorf("Totals() = %d, %d", hits, errs)
	}
}

func TestVisitCap(t *testing.T) {
	p := New([]string{"http://a", "http://b"}, nil, WithVisitCap(1), WithSeed(3))

	if p.Exhausted() {
		t.Fatal("fresh pool must not be exhausted")
	}

	for i := 0; i < 2; i++ {
		l, err := p.ClaimLink()
		if err != nil {
			t.Fatal(err)
		}
		p.RecordLink(l.Index, true, "")
		p.ReleaseLink(l.Index)
	}

	if _, err := p.ClaimLink(); !errors.Is(err, faults.ErrResourceExhausted) {
		t.Fatalf("expected capped links to be unavailable, got %v", err)
	}
	if !p.Exhausted() {
		t.Error("expected pool to report exhaustion")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	p := New([]string{"http://a"}, nil)
	snap := p.Snapshot()
	snap.Links[0].Hits = 100
	if p.Snapshot().Links[0].Hits != 0 {
		t.Fatal("mutating a snapshot changed the pool")
	}
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	const links = 8
	urls := make([]string, links)
	for i := range urls {
		urls[i] = "http://example.com/" + string(rune('a'+i))
	}
	p := New(urls, testProxies(3))

	var mu sync.Mutex
	holders := make(map[int]int)
	var wg sync.WaitGroup
	violations := 0

	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				l, err := p.ClaimLink()
				if err != nil {
					continue
				}
				mu.Lock()
				holders[l.Index]++
				if holders[l.Index] > 1 {
					violations++
				}
				mu.Unlock()

				px, _, _ := p.ClaimProxy()
				p.RecordLink(l.Index, true, "")
				p.RecordProxy(px.Index, true)

				mu.Lock()
				holders[l.Index]--
				mu.Unlock()
				p.ReleaseProxy(px.Index)
				p.ReleaseLink(l.Index)
			}
		}()
	}
	wg.Wait()

	if violations > 0 {
		t.Fatalf("%d overlapping link claims", violations)
	}
	snap := p.Snapshot()
	hits, _ := snap.Totals()
	var proxyHits uint64
	for _, px := range snap.Proxies {
		proxyHits += px.Hits
		if px.Claims != 0 {
			t.Errorf("proxy %d leaked %d claims", px.Index, px.Claims)
		}
	}
	if hits != proxyHits {
		t.Errorf("link hits %d != proxy hits %d", hits, proxyHits)
	}
}
