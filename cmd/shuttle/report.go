package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/alvmarrod/web-shuttle/internal/storage"
	"github.com/fatih/color"
)

// printReport prints the journaled counters of a run. "latest" selects the
// most recently started run.
func printReport(store *storage.Storage, runID string) error {
	if runID == "latest" {
		id, err := store.LatestRunID()
		if err != nil {
			return err
		}
		runID = id
	}

	run, err := store.GetRun(runID)
	if err != nil {
		return err
	}
	links, err := store.LoadLinkStats(runID)
	if err != nil {
		return err
	}
	proxies, err := store.LoadProxyStats(runID)
	if err != nil {
		return err
	}

	heading := color.New(color.Bold)
	heading.Printf("Run %s\n", run.RunID)
	fmt.Printf("  strategy=%s workers=%d max_cooldown=%ds passes=%d\n",
		run.Strategy, run.Concurrency, run.MaxCooldown, run.Passes)
	fmt.Printf("  started  %s\n", run.StartedAt.Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Printf("  finished %s (%s, %s)\n", run.FinishedAt.Format(time.RFC3339),
			run.TerminationReason, run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	} else {
		fmt.Println("  finished -")
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "#\tLINK\tHITS\tERRORS\tLAST ERROR\n")
	for _, l := range links {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", l.LinkIndex, l.URL, l.Hits, l.Errors, l.LastError)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(proxies) == 0 {
		return nil
	}
	fmt.Println()
	fmt.Fprintf(w, "#\tPROXY\tHITS\tERRORS\n")
	for _, p := range proxies {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\n", p.ProxyIndex, p.Address, p.Hits, p.Errors)
	}
	return w.Flush()
}
