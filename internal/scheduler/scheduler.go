package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alvmarrod/web-shuttle/internal/agent"
	"github.com/alvmarrod/web-shuttle/internal/faults"
	"github.com/alvmarrod/web-shuttle/internal/metrics"
	"github.com/alvmarrod/web-shuttle/internal/pool"
	"github.com/alvmarrod/web-shuttle/internal/target"
	"github.com/alvmarrod/web-shuttle/internal/visitor"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config describes one run
type Config struct {
	Links       []string
	Proxies     []target.Proxy
	Concurrency int
	MaxCooldown int // seconds
	UserAgent   string
	Visitor     visitor.Visitor
	Passes      int // visits per link, 0 = until stopped
}

func (c *Config) validate() error {
	if c.Concurrency < 1 {
		return faults.Configf("concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.MaxCooldown < 0 {
		return faults.Configf("max cooldown must be >= 0, got %d", c.MaxCooldown)
	}
	if c.Passes < 0 {
		return faults.Configf("passes must be >= 0, got %d", c.Passes)
	}
	if c.Visitor == nil {
		return faults.Configf("a visitor is required")
	}
	if c.UserAgent != "" {
		if err := agent.Validate(c.UserAgent); err != nil {
			return err
		}
	}
	links, rejected := target.ParseLinks(c.Links)
	if len(rejected) > 0 {
		return rejected[0].Reason
	}
	c.Links = links
	return nil
}

// Scheduler keeps a bounded set of workers visiting links until stopped
type Scheduler struct {
	// lifecycle serialises Start against Stop; mu guards run state
	lifecycle sync.Mutex
	mu        sync.Mutex

	observer Observer
	tracker  *metrics.Tracker
	unit     time.Duration
	rnd      *rand.Rand
	seed     uint64
	seeded   bool

	run *run
}

type run struct {
	info     RunInfo
	cfg      Config
	pool     *pool.Pool
	running  bool
	live     int
	finished bool
	done     chan struct{}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithObserver sets the event sink
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithTracker reports admissions and visits to t
func WithTracker(t *metrics.Tracker) Option {
	return func(s *Scheduler) {
		s.tracker = t
	}
}

// WithCooldownUnit sets the length of one cooldown step (default one second)
func WithCooldownUnit(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.unit = d
		}
	}
}

// WithSeed makes cooldowns and resource selection deterministic
func WithSeed(seed uint64) Option {
	return func(s *Scheduler) {
		s.seed = seed
		s.seeded = true
	}
}

// New creates an idle scheduler
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		observer: nopObserver{},
		unit:     time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.seeded {
		s.rnd = rand.New(rand.NewPCG(s.seed, ^s.seed))
	} else {
		s.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return s
}

// Start begins a run and returns its ID. It fails with faults.ErrAlreadyRunning
// while a previous run is still draining and faults.ErrNoWork for an empty
// link list.
func (s *Scheduler) Start(cfg Config) (string, error) {
	if len(cfg.Links) == 0 {
		return "", faults.New(faults.KindNoWork, "link list is empty")
	}
	if err := cfg.validate(); err != nil {
		return "", err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.run != nil {
		// done closes only after RunFinished was delivered
		select {
		case <-s.run.done:
		default:
			s.mu.Unlock()
			return "", faults.New(faults.KindAlreadyRunning, "previous run has not drained")
		}
	}

	poolOpts := []pool.Option{pool.WithVisitCap(cfg.Passes)}
	if s.seeded {
		poolOpts = append(poolOpts, pool.WithSeed(s.seed))
	}

	r := &run{
		cfg:     cfg,
		pool:    pool.New(cfg.Links, cfg.Proxies, poolOpts...),
		running: true,
		done:    make(chan struct{}),
		info: RunInfo{
			ID:          uuid.NewString(),
			Links:       len(cfg.Links),
			Proxies:     len(cfg.Proxies),
			Concurrency: cfg.Concurrency,
			MaxCooldown: cfg.MaxCooldown,
			Passes:      cfg.Passes,
			UserAgent:   cfg.UserAgent,
			Visitor:     fmt.Sprint(cfg.Visitor),
			Started:     time.Now(),
		},
	}
	s.run = r
	s.mu.Unlock()

	if s.tracker != nil {
		s.tracker.StartRun(r.info.ID)
	}
	if ro, ok := s.observer.(RunObserver); ok {
		ro.RunStarted(r.info)
	}

	logrus.WithField("run_id", r.info.ID).Infof("Starting run: %d links, %d proxies, concurrency=%d, max cooldown=%ds",
		len(cfg.Links), len(cfg.Proxies), cfg.Concurrency, cfg.MaxCooldown)

	s.mu.Lock()
	s.admitLocked(r)
	s.mu.Unlock()

	return r.info.ID, nil
}

// admitLocked fills free worker slots. Caller holds s.mu.
func (s *Scheduler) admitLocked(r *run) {
	for r.running && r.live < r.cfg.Concurrency {
		link, err := r.pool.ClaimLink()
		if err != nil {
			return
		}

		a := Assignment{
			RunID: r.info.ID,
			Link:  link.Index,
			URL:   link.URL,
			Proxy: pool.NoProxy,
		}
		if r.pool.ProxyCount() > 0 {
			if px, shared, err := r.pool.ClaimProxy(); err == nil {
				endpoint := px.Endpoint
				a.Proxy = px.Index
				a.ProxyAddr = px.Address
				a.SharedProxy = shared
				a.Endpoint = &endpoint
			}
		}
		a.Cooldown = s.rnd.IntN(r.cfg.MaxCooldown + 1)

		r.live++
		if s.tracker != nil {
			s.tracker.WorkerAdmitted(a.SharedProxy)
		}

		w := &worker{s: s, r: r, a: a}
		go w.work()
	}
}

// workerDone is called by a worker after it released its resources.
func (s *Scheduler) workerDone(r *run) {
	s.mu.Lock()
	r.live--
	s.admitLocked(r)
	if r.running && r.live == 0 {
		// Nothing could be admitted with no worker alive: every link hit its cap.
		r.running = false
		r.info.Reason = ReasonPassesComplete
	}
	finished := s.finishLocked(r)
	s.mu.Unlock()

	if finished {
		s.complete(r)
	}
}

// finishLocked marks the run finished once it is stopped and drained.
// It returns true exactly once per run.
func (s *Scheduler) finishLocked(r *run) bool {
	if r.running || r.live > 0 || r.finished {
		return false
	}
	r.finished = true
	r.info.Finished = time.Now()
	snap := r.pool.Snapshot()
	r.info.Snapshot = &snap
	return true
}

func (s *Scheduler) complete(r *run) {
	if ro, ok := s.observer.(RunObserver); ok {
		ro.RunFinished(r.info)
	}
	close(r.done)
}

// Stop prevents further admissions and blocks until every live worker has
// finished. In-flight visits are never aborted. Safe to call repeatedly.
func (s *Scheduler) Stop() {
	s.StopContext(context.Background())
}

// StopContext is Stop with a bound on the wait. When ctx ends first it
// returns ctx.Err(); admissions stay disabled and workers keep draining.
func (s *Scheduler) StopContext(ctx context.Context) error {
	s.lifecycle.Lock()
	s.mu.Lock()
	r := s.run
	if r == nil {
		s.mu.Unlock()
		s.lifecycle.Unlock()
		return nil
	}
	finished := false
	if r.running {
		r.running = false
		r.info.Reason = ReasonStopped
		finished = s.finishLocked(r)
		logrus.WithFields(logrus.Fields{
			"run_id": r.info.ID,
			"live":   r.live,
		}).Info("Stopping run, waiting for live workers to finish")
	}
	s.mu.Unlock()
	s.lifecycle.Unlock()

	if finished {
		s.complete(r)
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the current run has stopped and drained.
// It is nil before the first Start.
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.done
}

// Running reports whether the current run still admits workers
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil && s.run.running
}

// Live returns the number of admitted, unfinished workers
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return 0
	}
	return s.run.live
}

// Info describes the current or last run
func (s *Scheduler) Info() (RunInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return RunInfo{}, false
	}
	return s.run.info, true
}

// Snapshot copies the counters of the current or last run
func (s *Scheduler) Snapshot() pool.Snapshot {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return pool.Snapshot{}
	}
	return r.pool.Snapshot()
}
