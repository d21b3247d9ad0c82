package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alvmarrod/web-shuttle/internal/faults"
	"github.com/alvmarrod/web-shuttle/internal/metrics"
	"github.com/alvmarrod/web-shuttle/internal/target"
	"github.com/alvmarrod/web-shuttle/internal/visitor"
	"github.com/sirupsen/logrus"
)

// fakeVisitor tracks concurrent use of links and proxies
type fakeVisitor struct {
	mu          sync.Mutex
	delay       time.Duration
	fail        func(url string) bool
	live        int
	maxLive     int
	activeLinks map[string]int
	activeProxy map[string]int
	visits      map[string]int
	violations  []string
}

func newFakeVisitor(delay time.Duration) *fakeVisitor {
	return &fakeVisitor{
		delay:       delay,
		activeLinks: make(map[string]int),
		activeProxy: make(map[string]int),
		visits:      make(map[string]int),
	}
}

func (f *fakeVisitor) Visit(ctx context.Context, req visitor.Request) (*visitor.Result, error) {
	f.mu.Lock()
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	f.activeLinks[req.URL]++
	if f.activeLinks[req.URL] > 1 {
		f.violations = append(f.violations, "link "+req.URL)
	}
	if req.Proxy != nil {
		f.activeProxy[req.Proxy.String()]++
		if f.activeProxy[req.Proxy.String()] > 1 {
			f.violations = append(f.violations, "proxy "+req.Proxy.String())
		}
	}
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	f.live--
	f.activeLinks[req.URL]--
	if req.Proxy != nil {
		f.activeProxy[req.Proxy.String()]--
	}
	f.visits[req.URL]++
	failed := f.fail != nil && f.fail(req.URL)
	f.mu.Unlock()

	if failed {
		return nil, faults.Visitf("boom")
	}
	return &visitor.Result{StatusCode: 200, Content: "<title>ok</title>"}, nil
}

// blockingVisitor holds every visit until released
type blockingVisitor struct {
	entered chan visitor.Request
	release chan struct{}
}

func newBlockingVisitor() *blockingVisitor {
	return &blockingVisitor{
		entered: make(chan visitor.Request, 64),
		release: make(chan struct{}),
	}
}

func (b *blockingVisitor) Visit(ctx context.Context, req visitor.Request) (*visitor.Result, error) {
	b.entered <- req
	<-b.release
	return &visitor.Result{StatusCode: 200}, nil
}

func (b *blockingVisitor) waitEntered(t *testing.T) visitor.Request {
	t.Helper()
	select {
	case req := <-b.entered:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a visit")
	}
	return visitor.Request{}
}

// releaseAfterStop frees n held visits once s stops admitting workers
func (b *blockingVisitor) releaseAfterStop(s *Scheduler, n int) {
	go func() {
		for s.Running() {
			time.Sleep(time.Millisecond)
		}
		for i := 0; i < n; i++ {
			b.release <- struct{}{}
		}
	}()
}

func (b *blockingVisitor) expectIdle(t *testing.T) {
	t.Helper()
	select {
	case req := <-b.entered:
		t.Fatalf("unexpected visit to %s", req.URL)
	case <-time.After(50 * time.Millisecond):
	}
}

// recorder collects observer events
type recorder struct {
	mu       sync.Mutex
	started  []Assignment
	statuses map[int][]string
	finished []Outcome
	runs     []RunInfo
}

func newRecorder() *recorder {
	return &recorder{statuses: make(map[int][]string)}
}

func (r *recorder) WorkerStarted(a Assignment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, a)
}

func (r *recorder) WorkerStatus(a Assignment, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[a.Link] = append(r.statuses[a.Link], status)
}

func (r *recorder) WorkerFinished(a Assignment, out Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, out)
}

func (r *recorder) RunStarted(info RunInfo) {}

func (r *recorder) RunFinished(info RunInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, info)
}

func (r *recorder) counts() (started, finished int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started), len(r.finished)
}

func links(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("http://site%d.test/", i)
	}
	return out
}

func proxies(n int) []target.Proxy {
	out := make([]target.Proxy, n)
	for i := range out {
		out[i] = target.Proxy{Scheme: target.SchemeHTTP, Host: "127.0.0.1", Port: 9000 + i}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStartRejectsBadConfig(t *testing.T) {
	v := newFakeVisitor(0)
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"no links", Config{Concurrency: 1, Visitor: v}, faults.ErrNoWork},
		{"zero concurrency", Config{Links: links(1), Visitor: v}, faults.ErrConfig},
		{"negative cooldown", Config{Links: links(1), Concurrency: 1, MaxCooldown: -1, Visitor: v}, faults.ErrConfig},
		{"no visitor", Config{Links: links(1), Concurrency: 1}, faults.ErrConfig},
		{"bad link", Config{Links: []string{"ftp://x.test/"}, Concurrency: 1, Visitor: v}, faults.ErrConfig},
		{"bad agent", Config{Links: links(1), Concurrency: 1, Visitor: v, UserAgent: "bad agent "}, faults.ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			if _, err := s.Start(tt.cfg); !errors.Is(err, tt.want) {
				t.Fatalf("Start() = %v, want %v", err, tt.want)
			}
			if s.Running() || s.Live() != 0 {
				t.Error("a rejected start must not admit workers")
			}
		})
	}
}

func TestConcurrencyBoundAndMutualExclusion(t *testing.T) {
	v := newFakeVisitor(2 * time.Millisecond)
	tr := metrics.NewTracker()
	s := New(WithTracker(tr), WithSeed(11))

	if _, err := s.Start(Config{Links: links(6), Proxies: proxies(3), Concurrency: 3, Visitor: v}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.violations) > 0 {
		t.Fatalf("overlapping use: %v", v.violations)
	}
	if v.maxLive > 3 {
		t.Errorf("max concurrent visits = %d, limit 3", v.maxLive)
	}
	if v.maxLive < 2 {
		t.Errorf("max concurrent visits = %d, expected the limit to be used", v.maxLive)
	}

	snap := s.Snapshot()
	total := 0
	for _, n := range v.visits {
		total += n
	}
	hits, errs := snap.Totals()
	if int(hits+errs) != total {
		t.Errorf("link counters %d != visits %d", hits+errs, total)
	}
	var proxyTotal uint64
	for _, px := range snap.Proxies {
		proxyTotal += px.Hits + px.Errors
		if px.Busy {
			t.Errorf("proxy %d still busy after stop", px.Index)
		}
	}
	if int(proxyTotal) != total {
		t.Errorf("proxy counters %d != visits %d", proxyTotal, total)
	}
	for _, l := range snap.Links {
		if l.Busy {
			t.Errorf("link %d still busy after stop", l.Index)
		}
		if int(l.Hits+l.Errors) != v.visits[l.URL] {
			t.Errorf("link %s counted %d, visited %d", l.URL, l.Hits+l.Errors, v.visits[l.URL])
		}
	}

	if m := tr.GetSnapshot(); m.VisitsSucceeded != total || m.LiveWorkers != 0 {
		t.Errorf("tracker = %+v, want %d visits and no live workers", m, total)
	}
}

func TestThreeLinksLimitTwo(t *testing.T) {
	v := newBlockingVisitor()
	s := New(WithSeed(5))

	if _, err := s.Start(Config{Links: links(3), Concurrency: 2, Visitor: v}); err != nil {
		t.Fatal(err)
	}

	first := v.waitEntered(t)
	second := v.waitEntered(t)
	v.expectIdle(t)
	if first.URL == second.URL {
		t.Fatalf("both workers visit %s", first.URL)
	}
	if s.Live() != 2 {
		t.Errorf("Live() = %d, want 2", s.Live())
	}
	free := 0
	for _, l := range s.Snapshot().Links {
		if !l.Busy {
			free++
		}
	}
	if free != 1 {
		t.Errorf("%d free links, want 1", free)
	}

	// One worker finishes; its replacement must avoid the link still in use.
	v.release <- struct{}{}
	third := v.waitEntered(t)
	busy := map[string]bool{}
	for _, l := range s.Snapshot().Links {
		if l.Busy {
			busy[l.URL] = true
		}
	}
	if len(busy) != 2 || !busy[third.URL] {
		t.Errorf("busy links %v after replacement %s", busy, third.URL)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	waitFor(t, "stop to take effect", func() bool { return !s.Running() })

	v.release <- struct{}{}
	v.release <- struct{}{}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the workers drained")
	}
	v.expectIdle(t)

	hits, _ := s.Snapshot().Totals()
	if hits != 3 {
		t.Errorf("hits = %d, want 3", hits)
	}
}

func TestOneLinkTwoProxiesLimitThree(t *testing.T) {
	v := newBlockingVisitor()
	s := New()

	if _, err := s.Start(Config{Links: links(1), Proxies: proxies(2), Concurrency: 3, Visitor: v}); err != nil {
		t.Fatal(err)
	}

	req := v.waitEntered(t)
	v.expectIdle(t)
	if s.Live() != 1 {
		t.Fatalf("Live() = %d, want 1", s.Live())
	}
	if req.Proxy == nil {
		t.Fatal("expected the worker to hold a proxy")
	}

	v.release <- struct{}{}
	again := v.waitEntered(t)
	if again.URL != req.URL {
		t.Errorf("second visit went to %s", again.URL)
	}

	v.releaseAfterStop(s, 1)
	s.Stop()

	snap := s.Snapshot()
	if snap.Links[0].Hits != 2 {
		t.Errorf("link hits = %d, want 2", snap.Links[0].Hits)
	}
	var proxyHits uint64
	for _, px := range snap.Proxies {
		proxyHits += px.Hits
	}
	if proxyHits != 2 {
		t.Errorf("proxy hits = %d, want 2", proxyHits)
	}
}

func TestProxySharedWhenAllBusy(t *testing.T) {
	v := newBlockingVisitor()
	rec := newRecorder()
	s := New(WithObserver(rec))

	if _, err := s.Start(Config{Links: links(2), Proxies: proxies(1), Concurrency: 2, Visitor: v}); err != nil {
		t.Fatal(err)
	}
	a := v.waitEntered(t)
	b := v.waitEntered(t)
	if a.Proxy == nil || b.Proxy == nil || *a.Proxy != *b.Proxy {
		t.Fatalf("expected both visits to share the only proxy: %+v %+v", a.Proxy, b.Proxy)
	}

	rec.mu.Lock()
	shared := 0
	for _, as := range rec.started {
		if as.SharedProxy {
			shared++
		}
	}
	rec.mu.Unlock()
	if shared != 1 {
		t.Errorf("%d shared assignments, want 1", shared)
	}

	v.releaseAfterStop(s, 2)
	s.Stop()

	if px := s.Snapshot().Proxies[0]; px.Busy || px.Hits != 2 {
		t.Errorf("proxy after drain = %+v", px)
	}
}

func TestDrainOnStop(t *testing.T) {
	v := newFakeVisitor(30 * time.Millisecond)
	rec := newRecorder()
	s := New(WithObserver(rec))

	if _, err := s.Start(Config{Links: links(8), Concurrency: 4, Visitor: v}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "four live workers", func() bool { return s.Live() == 4 })

	s.Stop()
	if s.Live() != 0 {
		t.Fatalf("Live() = %d after Stop", s.Live())
	}
	started, finished := rec.counts()
	if started != finished {
		t.Errorf("started %d != finished %d", started, finished)
	}

	time.Sleep(60 * time.Millisecond)
	if again, _ := rec.counts(); again != started {
		t.Errorf("%d workers started after Stop returned", again-started)
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed after Stop")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.runs) != 1 || rec.runs[0].Reason != ReasonStopped || rec.runs[0].Snapshot == nil {
		t.Errorf("unexpected run events %+v", rec.runs)
	}

	s.Stop()
}

func TestFailuresRecordLastError(t *testing.T) {
	v := newFakeVisitor(time.Millisecond)
	v.fail = func(url string) bool { return strings.Contains(url, "site0") }
	s := New()

	if _, err := s.Start(Config{Links: links(2), Concurrency: 2, Visitor: v, Passes: 3}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("run with passes did not finish")
	}

	for _, l := range s.Snapshot().Links {
		if l.Hits+l.Errors != 3 {
			t.Errorf("link %s finished %d visits, want 3", l.URL, l.Hits+l.Errors)
		}
		if strings.Contains(l.URL, "site0") {
			if l.Errors != 3 || l.LastError != "boom" {
				t.Errorf("failing link = %+v", l)
			}
		} else if l.Hits != 3 || l.LastError != "" {
			t.Errorf("healthy link = %+v", l)
		}
	}

	info, ok := s.Info()
	if !ok || info.Reason != ReasonPassesComplete {
		t.Errorf("Info() = %+v", info)
	}
}

func TestAlreadyRunningUntilDrained(t *testing.T) {
	v := newBlockingVisitor()
	s := New()
	cfg := Config{Links: links(1), Concurrency: 1, Visitor: v}

	if _, err := s.Start(cfg); err != nil {
		t.Fatal(err)
	}
	v.waitEntered(t)

	if _, err := s.Start(cfg); !errors.Is(err, faults.ErrAlreadyRunning) {
		t.Fatalf("second Start() = %v, want ErrAlreadyRunning", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.StopContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("StopContext() = %v, want deadline exceeded", err)
	}
	if _, err := s.Start(cfg); !errors.Is(err, faults.ErrAlreadyRunning) {
		t.Fatalf("Start() while draining = %v, want ErrAlreadyRunning", err)
	}

	v.release <- struct{}{}
	<-s.Done()

	id, err := s.Start(cfg)
	if err != nil || id == "" {
		t.Fatalf("Start() after drain = %q, %v", id, err)
	}
	v.waitEntered(t)
	v.releaseAfterStop(s, 1)
	s.Stop()
}

func TestCooldownStatusSequence(t *testing.T) {
	v := newFakeVisitor(0)
	rec := newRecorder()
	s := New(WithObserver(rec), WithCooldownUnit(time.Millisecond), WithSeed(99))

	if _, err := s.Start(Config{Links: links(3), Concurrency: 3, MaxCooldown: 3, Visitor: v, Passes: 1}); err != nil {
		t.Fatal(err)
	}
	<-s.Done()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.started) != 3 {
		t.Fatalf("started %d workers, want 3", len(rec.started))
	}
	for _, a := range rec.started {
		if a.Cooldown < 0 || a.Cooldown > 3 {
			t.Errorf("cooldown %d outside [0, 3]", a.Cooldown)
		}
		var want []string
		for left := a.Cooldown; left > 0; left-- {
			want = append(want, fmt.Sprintf("starting in %ds", left))
		}
		want = append(want, StatusBrowsing, StatusIdle)

		got := rec.statuses[a.Link]
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("link %d statuses = %v, want %v", a.Link, got, want)
		}
	}
}

type panickyVisitor struct{}

func (panickyVisitor) Visit(context.Context, visitor.Request) (*visitor.Result, error) {
	panic("kaboom")
}

func TestVisitorPanicCountsAsFailure(t *testing.T) {
	s := New()
	if _, err := s.Start(Config{Links: links(1), Proxies: proxies(1), Concurrency: 1, Visitor: panickyVisitor{}, Passes: 1}); err != nil {
		t.Fatal(err)
	}
	<-s.Done()

	snap := s.Snapshot()
	if l := snap.Links[0]; l.Errors != 1 || !strings.Contains(l.LastError, "kaboom") || l.Busy {
		t.Errorf("link = %+v", l)
	}
	if px := snap.Proxies[0]; px.Errors != 1 || px.Busy {
		t.Errorf("proxy = %+v", px)
	}
}

func TestStopBeforeStart(t *testing.T) {
	s := New()
	s.Stop()
	if s.Done() != nil {
		t.Error("Done() should be nil before the first run")
	}
	if _, ok := s.Info(); ok {
		t.Error("Info() should report no run")
	}
}

func TestPageTitleOnlyParsedAtDebug(t *testing.T) {
	var calls atomic.Int32
	orig := pageTitle
	pageTitle = func(html string) string {
		calls.Add(1)
		return orig(html)
	}
	level := logrus.GetLevel()
	t.Cleanup(func() {
		pageTitle = orig
		logrus.SetLevel(level)
	})

	run := func() {
		s := New(WithCooldownUnit(time.Millisecond))
		if _, err := s.Start(Config{Links: links(2), Concurrency: 2, Visitor: newFakeVisitor(0), Passes: 1}); err != nil {
			t.Fatal(err)
		}
		<-s.Done()
	}

	logrus.SetLevel(logrus.InfoLevel)
	run()
	if n := calls.Load(); n != 0 {
		t.Errorf("title parsed %d times at info level, want 0", n)
	}

	logrus.SetLevel(logrus.DebugLevel)
	run()
	if n := calls.Load(); n != 2 {
		t.Errorf("title parsed %d times at debug level, want 2", n)
	}
}
