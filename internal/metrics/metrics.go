package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Summary is the run-level statistics exported on exit
type Summary struct {
	RunID             string    `json:"run_id"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	WorkersAdmitted   int       `json:"workers_admitted"`
	LiveWorkers       int       `json:"live_workers"`
	VisitsSucceeded   int       `json:"visits_succeeded"`
	VisitsFailed      int       `json:"visits_failed"`
	ProxiedVisits     int       `json:"proxied_visits"`
	SharedProxyClaims int       `json:"shared_proxy_claims"`
	TotalVisitTimeMs  int64     `json:"total_visit_time_ms"`
	AvgVisitTimeMs    int64     `json:"avg_visit_time_ms"`
	TerminationReason string    `json:"termination_reason"`
}

// Tracker holds and manages visit metrics and mirrors them to Prometheus
type Tracker struct {
	mu               sync.Mutex
	data             Summary
	totalVisitTimeMs int64
	visitCount       int

	visits        *prometheus.CounterVec
	visitDuration prometheus.Histogram
	liveWorkers   prometheus.Gauge
	admitted      prometheus.Counter
	sharedClaims  prometheus.Counter
}

// NewTracker creates a new metrics tracker
func NewTracker() *Tracker {
	return &Tracker{
		data: Summary{
			StartTime: time.Now(),
		},
		visits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "shuttle_visits_total", Help: "Finished visits by outcome"},
			[]string{"outcome", "proxied"},
		),
		visitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shuttle_visit_duration_seconds",
			Help:    "Visit duration, cooldown excluded",
			Buckets: prometheus.DefBuckets,
		}),
		liveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shuttle_live_workers",
			Help: "Workers currently admitted",
		}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_workers_admitted_total",
			Help: "Workers admitted by the scheduler",
		}),
		sharedClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_shared_proxy_claims_total",
			Help: "Admissions that reused a busy proxy",
		}),
	}
}

// Register adds the tracker's collectors to reg
func (t *Tracker) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{t.visits, t.visitDuration, t.liveWorkers, t.admitted, t.sharedClaims} {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return nil
}

// StartRun resets the run-level counters
func (t *Tracker) StartRun(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = Summary{RunID: runID, StartTime: time.Now()}
	t.totalVisitTimeMs = 0
	t.visitCount = 0
}

// WorkerAdmitted counts one admission
func (t *Tracker) WorkerAdmitted(sharedProxy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.WorkersAdmitted++
	t.data.LiveWorkers++
	t.admitted.Inc()
	t.liveWorkers.Inc()
	if sharedProxy {
		t.data.SharedProxyClaims++
		t.sharedClaims.Inc()
	}
}

// WorkerFinished counts one worker leaving
func (t *Tracker) WorkerFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data.LiveWorkers > 0 {
		t.data.LiveWorkers--
	}
	t.liveWorkers.Dec()
}

// RecordVisit records the outcome and duration of one visit
func (t *Tracker) RecordVisit(ok, proxied bool, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	outcome := "failure"
	if ok {
		outcome = "success"
		t.data.VisitsSucceeded++
	} else {
		t.data.VisitsFailed++
	}
	if proxied {
		t.data.ProxiedVisits++
	}
	t.visits.WithLabelValues(outcome, fmt.Sprint(proxied)).Inc()
	t.visitDuration.Observe(duration.Seconds())

	t.totalVisitTimeMs += duration.Milliseconds()
	t.visitCount++
}

// GetSnapshot returns a copy of current metrics
func (t *Tracker) GetSnapshot() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := t.data
	snapshot.TotalVisitTimeMs = t.totalVisitTimeMs
	if t.visitCount > 0 {
		snapshot.AvgVisitTimeMs = t.totalVisitTimeMs / int64(t.visitCount)
	}
	return snapshot
}

// Finish stamps the end time and termination reason
func (t *Tracker) Finish(reason string) Summary {
	t.mu.Lock()
	t.data.EndTime = time.Now()
	t.data.TerminationReason = reason
	t.mu.Unlock()
	return t.GetSnapshot()
}

// WriteToFile exports metrics to a JSON file
func (t *Tracker) WriteToFile(path, reason string) error {
	summary := t.Finish(reason)

	jsonData, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	if err := os.WriteFile(path, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}

	return nil
}

// LogProgress formats current metrics for periodic console updates
func (t *Tracker) LogProgress() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fmt.Sprintf("Workers: %d live, %d admitted | Visits: %d ok, %d failed, %d proxied | Shared proxy claims: %d",
		t.data.LiveWorkers,
		t.data.WorkersAdmitted,
		t.data.VisitsSucceeded,
		t.data.VisitsFailed,
		t.data.ProxiedVisits,
		t.data.SharedProxyClaims,
	)
}
