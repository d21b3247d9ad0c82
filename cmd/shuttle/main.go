package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/alvmarrod/web-shuttle/internal/config"
	"github.com/alvmarrod/web-shuttle/internal/logging"
	"github.com/alvmarrod/web-shuttle/internal/metrics"
	"github.com/alvmarrod/web-shuttle/internal/monitor"
	"github.com/alvmarrod/web-shuttle/internal/scheduler"
	"github.com/alvmarrod/web-shuttle/internal/storage"
	"github.com/alvmarrod/web-shuttle/internal/version"
	"github.com/alvmarrod/web-shuttle/internal/visitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	report := flag.String("report", "", "print the journal of a run (\"latest\" for the most recent) and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Version)
		return
	}

	// Configure logging until the config says otherwise
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logrus.Infof("Web Shuttle v%s starting...", version.Version)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		logrus.Fatalf("Failed to configure logging: %v", err)
	}

	store, err := storage.NewStorage(cfg.DBPath)
	if err != nil {
		logrus.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	if *report != "" {
		if err := printReport(store, *report); err != nil {
			logrus.Fatalf("Failed to print report: %v", err)
		}
		return
	}

	targets, err := cfg.LoadTargets()
	if err != nil {
		logrus.Fatalf("Failed to load targets: %v", err)
	}
	for _, r := range targets.Rejected {
		logrus.Warnf("Skipping invalid entry %s", r)
	}

	logrus.Infof("Configuration loaded: links=%d, proxies=%d, workers=%d, max_cooldown=%ds, strategy=%s",
		len(targets.Links), len(targets.Proxies), cfg.ConcurrentWorkers, cfg.MaxCooldownSeconds, cfg.Strategy)
	logrus.Infof("Database initialized: %s", cfg.DBPath)

	v, err := newVisitor(cfg)
	if err != nil {
		logrus.Fatalf("Failed to set up visitor: %v", err)
	}

	// Metrics
	tracker := metrics.NewTracker()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := tracker.Register(registry); err != nil {
		logrus.Fatalf("Failed to register metrics: %v", err)
	}

	// Live monitor
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := monitor.NewHub()
	go hub.Run(ctx)

	journal := &storage.Journal{Store: store, Strategy: cfg.Strategy}
	sched := scheduler.New(
		scheduler.WithObserver(scheduler.Observers(scheduler.LogObserver{}, hub, journal)),
		scheduler.WithTracker(tracker),
	)

	var server *monitor.Server
	if cfg.MonitorAddr != "" {
		server = monitor.NewServer(hub, sched, tracker, registry)
		if err := server.Start(cfg.MonitorAddr); err != nil {
			logrus.Fatalf("Failed to start monitor: %v", err)
		}
	}

	runID, err := sched.Start(scheduler.Config{
		Links:       targets.Links,
		Proxies:     targets.Proxies,
		Concurrency: cfg.ConcurrentWorkers,
		MaxCooldown: cfg.MaxCooldownSeconds,
		UserAgent:   cfg.UserAgent,
		Visitor:     v,
		Passes:      cfg.Passes,
	})
	if err != nil {
		logrus.Fatalf("Failed to start: %v", err)
	}

	// Setup signal handler for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Handle force quit on second signal
	forceQuitChan := make(chan os.Signal, 2)
	signal.Notify(forceQuitChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-forceQuitChan        // First signal (consumed by main handler)
		sig := <-forceQuitChan // Second signal = force quit
		logrus.Warnf("Received second signal (%v) - forcing immediate exit!", sig)
		logrus.Warn("Attempting emergency save...")

		if err := store.SaveSnapshot(runID, sched.Snapshot()); err != nil {
			logrus.Errorf("Emergency journal save failed: %v", err)
		} else {
			logrus.Info("Emergency journal save succeeded")
		}
		if err := tracker.WriteToFile(cfg.MetricsPath, "forced_exit"); err != nil {
			logrus.Errorf("Emergency metrics save failed: %v", err)
		}
		os.Exit(1)
	}()

	// Progress logger and journal checkpoints
	var wg sync.WaitGroup
	stopProgress := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				logrus.Info(tracker.LogProgress())
				if err := store.SaveSnapshot(runID, sched.Snapshot()); err != nil {
					logrus.Warnf("Journal checkpoint failed: %v", err)
				}
			case <-stopProgress:
				return
			}
		}
	}()

	// Wait for a signal or for the run to finish on its own
	terminationReason := scheduler.ReasonPassesComplete
	select {
	case sig := <-sigChan:
		logrus.Infof("Received signal: %v", sig)
		terminationReason = "signal"
	case <-sched.Done():
		logrus.Info("Every link reached its pass limit")
	}

	close(stopProgress)

	logrus.Info("Initiating graceful shutdown...")
	logrus.Infof("Step 1/4: Stopping scheduler, %d workers still live...", sched.Live())

	// Stop admits nothing new and waits for in-flight visits
	sched.Stop()

	logrus.Info("Step 2/4: Stopping background tasks...")

	bgDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(bgDone)
	}()

	select {
	case <-bgDone:
		logrus.Info("All background tasks completed")
	case <-time.After(5 * time.Second):
		logrus.Warn("Background tasks timeout (5s), continuing with shutdown")
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("Monitor shutdown: %v", err)
		}
		shutdownCancel()
	}
	cancel()

	logrus.Info("Step 3/4: Writing final metrics...")

	logrus.Info("Final stats: " + tracker.LogProgress())

	if err := tracker.WriteToFile(cfg.MetricsPath, terminationReason); err != nil {
		logrus.Errorf("Failed to write metrics: %v", err)
	} else {
		logrus.Infof("Metrics written to %s", cfg.MetricsPath)
	}

	logrus.Infof("Step 4/4: Closing database connection (run %s journaled)...", runID)

	// Database is closed via defer store.Close()

	logrus.Info("Graceful shutdown complete. Goodbye!")
}

// newVisitor builds the visit strategy named in the config
func newVisitor(cfg *config.Config) (visitor.Visitor, error) {
	switch visitor.Strategy(cfg.Strategy) {
	case visitor.StrategyDirect:
		return visitor.NewDirect(cfg.RequestTimeout()), nil
	case visitor.StrategyDelegated:
		path, err := resolveBrowser(cfg.BrowserPath)
		if err != nil {
			return nil, err
		}
		logrus.Infof("Delegating visits to %s", path)
		return visitor.NewDelegated(path, cfg.BrowserTimeout(), cfg.BrowserArgs...), nil
	}
	return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
}

// resolveBrowser finds the browser executable, looking next to this binary
// for bare names.
func resolveBrowser(path string) (string, error) {
	if filepath.IsAbs(path) || filepath.Base(path) != path {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("browser not found: %w", err)
		}
		return path, nil
	}

	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), path)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if _, err := os.Stat(path); err == nil {
		return filepath.Abs(path)
	}
	return "", fmt.Errorf("browser %q not found next to the executable", path)
}
