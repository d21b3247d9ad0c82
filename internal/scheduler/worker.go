package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/alvmarrod/web-shuttle/internal/faults"
	"github.com/alvmarrod/web-shuttle/internal/inspect"
	"github.com/alvmarrod/web-shuttle/internal/target"
	"github.com/alvmarrod/web-shuttle/internal/visitor"
	"github.com/sirupsen/logrus"
)

// pageTitle extracts the title logged at debug level
var pageTitle = inspect.Title

// worker performs exactly one visit: cooldown, visit, record, release.
type worker struct {
	s *Scheduler
	r *run
	a Assignment
}

func (w *worker) work() {
	obs := w.s.observer
	obs.WorkerStarted(w.a)

	for left := w.a.Cooldown; left > 0; left-- {
		obs.WorkerStatus(w.a, fmt.Sprintf("starting in %ds", left))
		time.Sleep(w.s.unit)
	}

	obs.WorkerStatus(w.a, StatusBrowsing)
	begin := time.Now()
	res, err := w.visit()
	out := Outcome{OK: err == nil, Message: faults.Message(err), Duration: time.Since(begin)}

	p := w.r.pool
	p.RecordLink(w.a.Link, out.OK, out.Message)
	if w.a.Proxied() {
		p.RecordProxy(w.a.Proxy, out.OK)
	}
	p.ReleaseLink(w.a.Link)
	if w.a.Proxied() {
		p.ReleaseProxy(w.a.Proxy)
	}

	if t := w.s.tracker; t != nil {
		t.RecordVisit(out.OK, w.a.Proxied(), out.Duration)
		t.WorkerFinished()
	}
	if out.OK {
		w.examine(res)
	}

	obs.WorkerStatus(w.a, StatusIdle)
	obs.WorkerFinished(w.a, out)
	w.s.workerDone(w.r)
}

// visit runs the visitor, turning a panic into a failed visit so the
// resources are still recorded and released.
func (w *worker) visit() (res *visitor.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = faults.Visitf("visitor panicked: %v", rec)
		}
	}()
	return w.r.cfg.Visitor.Visit(context.Background(), visitor.Request{
		URL:       w.a.URL,
		Proxy:     w.a.Endpoint,
		UserAgent: w.r.cfg.UserAgent,
	})
}

func (w *worker) examine(res *visitor.Result) {
	if res == nil {
		return
	}
	entry := logrus.WithFields(logrus.Fields{"run_id": w.a.RunID, "link": w.a.Link})
	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		if title := pageTitle(res.Content); title != "" {
			entry.Debugf("Page title: %s", title)
		}
	}
	if w.a.Proxied() && inspect.IsProbe(target.Host(w.a.URL)) {
		if ip, ok := inspect.ExitIP(res.Content); ok {
			entry.WithField("proxy", w.a.ProxyAddr).Infof("Exit address through proxy: %s", ip)
		}
	}
}
