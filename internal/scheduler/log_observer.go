package scheduler

import (
	"time"

	"github.com/sirupsen/logrus"
)

// LogObserver writes worker events to logrus
type LogObserver struct {
	Logger *logrus.Logger
}

func (o LogObserver) entry(a Assignment) *logrus.Entry {
	logger := o.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fields := logrus.Fields{"run_id": a.RunID, "link": a.Link}
	if a.Proxied() {
		fields["proxy"] = a.ProxyAddr
	}
	return logger.WithFields(fields)
}

func (o LogObserver) WorkerStarted(a Assignment) {
	e := o.entry(a)
	if a.SharedProxy {
		e = e.WithField("shared_proxy", true)
	}
	e.Debugf("Worker admitted for %s (cooldown %ds)", a.URL, a.Cooldown)
}

func (o LogObserver) WorkerStatus(a Assignment, status string) {
	o.entry(a).Tracef("Worker status: %s", status)
}

func (o LogObserver) WorkerFinished(a Assignment, out Outcome) {
	e := o.entry(a).WithField("duration_ms", out.Duration.Milliseconds())
	if out.OK {
		e.Infof("Visited %s", a.URL)
		return
	}
	e.WithField("error", out.Message).Warnf("Visit to %s failed", a.URL)
}

func (o LogObserver) RunStarted(info RunInfo) {
	o.runEntry(info).Debug("Run started")
}

func (o LogObserver) RunFinished(info RunInfo) {
	e := o.runEntry(info).WithField("reason", info.Reason)
	if info.Snapshot != nil {
		hits, errs := info.Snapshot.Totals()
		e = e.WithFields(logrus.Fields{"hits": hits, "errors": errs})
	}
	e.Infof("Run lasted %s", info.Finished.Sub(info.Started).Round(time.Millisecond))
}

func (o LogObserver) runEntry(info RunInfo) *logrus.Entry {
	logger := o.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("run_id", info.ID)
}
