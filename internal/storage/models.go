package storage

import "time"

// Run is one scheduler run as recorded in the journal
type Run struct {
	RunID             string
	Strategy          string
	Concurrency       int
	MaxCooldown       int
	Passes            int
	Links             int
	Proxies           int
	StartedAt         time.Time
	FinishedAt        *time.Time
	TerminationReason string
}

// LinkStat is the exported counter state of one link
type LinkStat struct {
	RunID     string
	LinkIndex int
	URL       string
	Hits      uint64
	Errors    uint64
	LastError string
}

// ProxyStat is the exported counter state of one proxy
type ProxyStat struct {
	RunID      string
	ProxyIndex int
	Address    string
	Hits       uint64
	Errors     uint64
}
