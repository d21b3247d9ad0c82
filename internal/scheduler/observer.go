package scheduler

import (
	"time"

	"github.com/alvmarrod/web-shuttle/internal/pool"
	"github.com/alvmarrod/web-shuttle/internal/target"
)

// Worker status texts
const (
	StatusBrowsing = "browsing"
	StatusIdle     = "idle"
)

// Termination reasons
const (
	ReasonStopped        = "stopped"
	ReasonPassesComplete = "passes_complete"
)

// Assignment identifies a worker: the link it visits, the proxy it uses and
// how long it waits first.
type Assignment struct {
	RunID       string        `json:"run_id"`
	Link        int           `json:"link"`
	URL         string        `json:"url"`
	Proxy       int           `json:"proxy"`
	ProxyAddr   string        `json:"proxy_addr,omitempty"`
	SharedProxy bool          `json:"shared_proxy,omitempty"`
	Cooldown    int           `json:"cooldown"`
	Endpoint    *target.Proxy `json:"-"`
}

// Proxied reports whether the visit goes through a proxy
func (a Assignment) Proxied() bool {
	return a.Proxy != pool.NoProxy
}

// Outcome is the result of a finished worker
type Outcome struct {
	OK       bool          `json:"ok"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Observer receives worker lifecycle events. Methods are called from worker
// goroutines, concurrently, and never while the scheduler holds a lock.
type Observer interface {
	WorkerStarted(a Assignment)
	WorkerStatus(a Assignment, status string)
	WorkerFinished(a Assignment, out Outcome)
}

// RunInfo describes a run
type RunInfo struct {
	ID          string         `json:"id"`
	Links       int            `json:"links"`
	Proxies     int            `json:"proxies"`
	Concurrency int            `json:"concurrency"`
	MaxCooldown int            `json:"max_cooldown"`
	Passes      int            `json:"passes"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Visitor     string         `json:"visitor"`
	Started     time.Time      `json:"started"`
	Finished    time.Time      `json:"finished,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Snapshot    *pool.Snapshot `json:"snapshot,omitempty"`
}

// RunObserver is optionally implemented by observers interested in run
// boundaries. RunFinished carries the final snapshot and is delivered
// before Stop returns.
type RunObserver interface {
	RunStarted(info RunInfo)
	RunFinished(info RunInfo)
}

type nopObserver struct{}

func (nopObserver) WorkerStarted(Assignment) {}

func (nopObserver) WorkerStatus(Assignment, string) {}

func (nopObserver) WorkerFinished(Assignment, Outcome) {}

type multiObserver []Observer

// Observers fans events out to every observer in order
func Observers(observers ...Observer) Observer {
	var m multiObserver
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

func (m multiObserver) WorkerStarted(a Assignment) {
	for _, o := range m {
		o.WorkerStarted(a)
	}
}

func (m multiObserver) WorkerStatus(a Assignment, status string) {
	for _, o := range m {
		o.WorkerStatus(a, status)
	}
}

func (m multiObserver) WorkerFinished(a Assignment, out Outcome) {
	for _, o := range m {
		o.WorkerFinished(a, out)
	}
}

func (m multiObserver) RunStarted(info RunInfo) {
	for _, o := range m {
		if ro, ok := o.(RunObserver); ok {
			ro.RunStarted(info)
		}
	}
}

func (m multiObserver) RunFinished(info RunInfo) {
	for _, o := range m {
		if ro, ok := o.(RunObserver); ok {
			ro.RunFinished(info)
		}
	}
}
