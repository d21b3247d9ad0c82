package pool

import (
	"math/rand/v2"
	"sync"

	"github.com/alvmarrod/web-shuttle/internal/faults"
	"github.com/alvmarrod/web-shuttle/internal/target"
)

// NoProxy marks an unproxied assignment
const NoProxy = -1

// Link is a URL in the rotation together with its counters
type Link struct {
	Index     int    `json:"index"`
	URL       string `json:"url"`
	Busy      bool   `json:"busy"`
	Hits      uint64 `json:"hits"`
	Errors    uint64 `json:"errors"`
	LastError string `json:"last_error,omitempty"`
}

// Proxy is a proxy endpoint together with its counters.
// Claims counts concurrent holders; it exceeds one only under full contention.
type Proxy struct {
	Index    int          `json:"index"`
	Endpoint target.Proxy `json:"-"`
	Address  string       `json:"address"`
	Busy     bool         `json:"busy"`
	Claims   int          `json:"claims"`
	Hits     uint64       `json:"hits"`
	Errors   uint64       `json:"errors"`
}

// Snapshot is a point-in-time copy of the pool
type Snapshot struct {
	Links   []Link  `json:"links"`
	Proxies []Proxy `json:"proxies"`
}

// Pool holds the links and proxies of one run and arbitrates claims on them
type Pool struct {
	mu       sync.Mutex
	links    []Link
	proxies  []Proxy
	visitCap uint64
	rnd      *rand.Rand
}

// Option configures a Pool
type Option func(*Pool)

// WithSeed makes selection deterministic
func WithSeed(seed uint64) Option {
	return func(p *Pool) {
		p.rnd = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithVisitCap stops handing out a link once it completed n visits (0 = unlimited)
func WithVisitCap(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.visitCap = uint64(n)
		}
	}
}

// New creates a pool; indexes follow the order of the inputs
func New(links []string, proxies []target.Proxy, opts ...Option) *Pool {
	p := &Pool{
		links:   make([]Link, len(links)),
		proxies: make([]Proxy, len(proxies)),
	}
	for i, u := range links {
		p.links[i] = Link{Index: i, URL: u}
	}
	for i, px := range proxies {
		p.proxies[i] = Proxy{Index: i, Endpoint: px, Address: px.Redacted()}
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return p
}

// LinkCount returns the number of links
func (p *Pool) LinkCount() int {
	return len(p.links)
}

// ProxyCount returns the number of proxies
func (p *Pool) ProxyCount() int {
	return len(p.proxies)
}

func (p *Pool) linkEligible(l *Link) bool {
	if l.Busy {
		return false
	}
	return p.visitCap == 0 || l.Hits+l.Errors < p.visitCap
}

// FreeLinks lists the indexes of links that can be claimed
func (p *Pool) FreeLinks() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := make([]int, 0, len(p.links))
	for i := range p.links {
		if p.linkEligible(&p.links[i]) {
			free = append(free, i)
		}
	}
	return free
}

// FreeProxies lists the indexes of idle proxies
func (p *Pool) FreeProxies() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := make([]int, 0, len(p.proxies))
	for i := range p.proxies {
		if !p.proxies[i].Busy {
			free = append(free, i)
		}
	}
	return free
}

// ClaimLink picks a free link uniformly at random and marks it busy
func (p *Pool) ClaimLink() (Link, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := 0
	for i := range p.links {
		if p.linkEligible(&p.links[i]) {
			free++
		}
	}
	if free == 0 {
		return Link{}, faults.ErrResourceExhausted
	}

	k := p.rnd.IntN(free)
	for i := range p.links {
		if !p.linkEligible(&p.links[i]) {
			continue
		}
		if k == 0 {
			p.links[i].Busy = true
			return p.links[i], nil
		}
		k--
	}
	return Link{}, faults.ErrResourceExhausted
}

// ClaimProxy picks an idle proxy uniformly at random. When every proxy is
// busy it falls back to any proxy and reports shared=true. It fails only
// when the pool has no proxies.
func (p *Pool) ClaimProxy() (px Proxy, shared bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.proxies) == 0 {
		return Proxy{}, false, faults.ErrResourceExhausted
	}

	free := 0
	for i := range p.proxies {
		if !p.proxies[i].Busy {
			free++
		}
	}

	var idx int
	if free == 0 {
		idx = p.rnd.IntN(len(p.proxies))
		shared = true
	} else {
		k := p.rnd.IntN(free)
		for i := range p.proxies {
			if p.proxies[i].Busy {
				continue
			}
			if k == 0 {
				idx = i
				break
			}
			k--
		}
	}

	p.proxies[idx].Claims++
	p.proxies[idx].Busy = true
	return p.proxies[idx], shared, nil
}

// ReleaseLink frees a link; releasing a free link is a no-op
func (p *Pool) ReleaseLink(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i < 0 || i >= len(p.links) {
		return
	}
	p.links[i].Busy = false
}

// ReleaseProxy drops one claim on a proxy; releasing a free proxy is a no-op
func (p *Pool) ReleaseProxy(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i < 0 || i >= len(p.proxies) {
		return
	}
	px := &p.proxies[i]
	if px.Claims > 0 {
		px.Claims--
	}
	px.Busy = px.Claims > 0
}

// RecordLink counts one finished visit on a link. A failure also replaces
// LastError; success leaves it untouched.
func (p *Pool) RecordLink(i int, ok bool, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i < 0 || i >= len(p.links) {
		return
	}
	l := &p.links[i]
	if ok {
		l.Hits++
		return
	}
	l.Errors++
	l.LastError = message
}

// RecordProxy counts one finished visit on a proxy
func (p *Pool) RecordProxy(i int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i < 0 || i >= len(p.proxies) {
		return
	}
	if ok {
		p.proxies[i].Hits++
	} else {
		p.proxies[i].Errors++
	}
}

// Exhausted reports whether a visit cap is set and every link has reached it
func (p *Pool) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.visitCap == 0 {
		return false
	}
	for i := range p.links {
		if p.links[i].Hits+p.links[i].Errors < p.visitCap {
			return false
		}
	}
	return true
}

// Snapshot copies the current state of every link and proxy
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		Links:   make([]Link, len(p.links)),
		Proxies: make([]Proxy, len(p.proxies)),
	}
	copy(snap.Links, p.links)
	copy(snap.Proxies, p.proxies)
	return snap
}

// Totals sums hits and errors across links
func (s Snapshot) Totals() (hits, errors uint64) {
	for _, l := range s.Links {
		hits += l.Hits
		errors += l.Errors
	}
	return hits, errors
}
