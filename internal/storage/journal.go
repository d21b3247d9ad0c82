package storage

import (
	"github.com/alvmarrod/web-shuttle/internal/scheduler"
	"github.com/sirupsen/logrus"
)

// Journal records run boundaries and final counters as a scheduler observer
type Journal struct {
	Store    *Storage
	Strategy string
}

func (j *Journal) WorkerStarted(scheduler.Assignment) {}

func (j *Journal) WorkerStatus(scheduler.Assignment, string) {}

func (j *Journal) WorkerFinished(scheduler.Assignment, scheduler.Outcome) {}

// RunStarted inserts the run row
func (j *Journal) RunStarted(info scheduler.RunInfo) {
	err := j.Store.BeginRun(Run{
		RunID:       info.ID,
		Strategy:    j.Strategy,
		Concurrency: info.Concurrency,
		MaxCooldown: info.MaxCooldown,
		Passes:      info.Passes,
		Links:       info.Links,
		Proxies:     info.Proxies,
		StartedAt:   info.Started,
	})
	if err != nil {
		logrus.WithField("run_id", info.ID).Errorf("Failed to journal run start: %v", err)
	}
}

// RunFinished writes the final snapshot and closes the run row
func (j *Journal) RunFinished(info scheduler.RunInfo) {
	entry := logrus.WithField("run_id", info.ID)
	if info.Snapshot != nil {
		if err := j.Store.SaveSnapshot(info.ID, *info.Snapshot); err != nil {
			entry.Errorf("Failed to journal final counters: %v", err)
		}
	}
	if err := j.Store.FinishRun(info.ID, info.Reason, info.Finished); err != nil {
		entry.Errorf("Failed to journal run end: %v", err)
	}
}
